// Package spellconfig defines the SpellConfig data model declared by
// *.spell.yaml files, along with the environment-variable expansion and
// directory-loading semantics the rest of the gateway consumes.
package spellconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// ServerKind discriminates the ServerConfig tagged union.
type ServerKind string

const (
	ServerStdio ServerKind = "stdio"
	ServerSSE   ServerKind = "sse"
	ServerHTTP  ServerKind = "http"
)

// AuthKind discriminates the AuthConfig tagged union.
type AuthKind string

const (
	AuthNone                 AuthKind = "none"
	AuthBearer               AuthKind = "bearer"
	AuthBasic                AuthKind = "basic"
	AuthClientCredentials    AuthKind = "client_credentials"
	AuthPrivateKeyJWT        AuthKind = "private_key_jwt"
	AuthStaticPrivateKeyJWT  AuthKind = "static_private_key_jwt"
	AuthOAuth2               AuthKind = "oauth2"
)

// ServerConfig is the tagged union over a spell's reachability: exactly
// one of stdio or remote (sse/http).
type ServerConfig struct {
	Kind ServerKind `yaml:"-"`

	// Stdio fields.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Remote fields (sse, http).
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig is the tagged union over a remote spell's authentication.
// Only the fields relevant to Kind are meaningful.
type AuthConfig struct {
	Kind AuthKind `yaml:"type"`

	// bearer
	Token string `yaml:"token,omitempty"`

	// basic
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// client_credentials / private_key_jwt / static_private_key_jwt / oauth2
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	TokenURL     string `yaml:"token_url,omitempty"`
	Scope        string `yaml:"scope,omitempty"`

	// private_key_jwt
	PrivateKey string `yaml:"private_key,omitempty"`
	Algorithm  string `yaml:"algorithm,omitempty"`

	// static_private_key_jwt
	Assertion string `yaml:"assertion,omitempty"`
}

// SpellConfig is the declared, immutable-per-file-version shape of a
// single *.spell.yaml document.
type SpellConfig struct {
	Name        string       `yaml:"name"`
	Version     string       `yaml:"version"`
	Description string       `yaml:"description"`
	Keywords    []string     `yaml:"keywords"`
	Server      ServerConfig `yaml:"server"`
	Auth        *AuthConfig  `yaml:"auth,omitempty"`
	Steering    string       `yaml:"steering,omitempty"`
}

var nameRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Validate checks the structural invariants §3 imposes on a SpellConfig.
func (c *SpellConfig) Validate() error {
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("spellconfig: invalid name %q", c.Name)
	}
	if len(strings.TrimSpace(c.Description)) < 10 {
		return fmt.Errorf("spellconfig: description too short for %q", c.Name)
	}
	if len(c.Keywords) < 3 || len(c.Keywords) > 20 {
		return fmt.Errorf("spellconfig: %q must have 3-20 keywords, got %d", c.Name, len(c.Keywords))
	}
	if len(c.Steering) > 5000 {
		return fmt.Errorf("spellconfig: steering for %q exceeds 5000 chars", c.Name)
	}
	switch c.Server.Kind {
	case ServerStdio:
		if c.Server.Command == "" {
			return fmt.Errorf("spellconfig: %q stdio server missing command", c.Name)
		}
	case ServerSSE, ServerHTTP:
		if c.Server.URL == "" {
			return fmt.Errorf("spellconfig: %q remote server missing url", c.Name)
		}
	default:
		return fmt.Errorf("spellconfig: %q has unknown server kind %q", c.Name, c.Server.Kind)
	}
	return nil
}

// Hash computes the sha256 hex digest of description + "|" + keywords,
// the cache key the embedding store uses to decide whether re-indexing is
// necessary (§4.4.1, §8 P2/P3).
func (c *SpellConfig) Hash() string {
	sum := sha256.Sum256([]byte(c.Description + "|" + strings.Join(c.Keywords, ",")))
	return hex.EncodeToString(sum[:])
}

// EmbeddingText builds the text passed to the embedder: the description
// followed by the keywords repeated twice, biasing the resulting vector
// toward keyword emphasis per §4.4.1.
func (c *SpellConfig) EmbeddingText() string {
	kw := strings.Join(c.Keywords, " ")
	return c.Description + " " + kw + " " + kw
}

// NormalizedKeywords returns the lowercase-trimmed, whitespace-collapsed
// keyword set used by the resolver's keyword scoring.
func (c *SpellConfig) NormalizedKeywords() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Keywords))
	for _, kw := range c.Keywords {
		norm := collapseWhitespace(strings.ToLower(strings.TrimSpace(kw)))
		if norm == "" {
			continue
		}
		out[norm] = struct{}{}
	}
	return out
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return whitespaceRe.ReplaceAllString(s, " ")
}
