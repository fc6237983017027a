package spellconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// rawServerConfig mirrors ServerConfig's YAML shape with an explicit
// discriminant, since yaml.v3 has no native tagged-union support.
type rawServerConfig struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Auth    *AuthConfig       `yaml:"auth"`
}

// UnmarshalYAML decodes the server tagged union from its discriminant
// "type" field, matching §3's ServerConfig = stdio | remote(sse|http).
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawServerConfig
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("spellconfig: decode server: %w", err)
	}

	switch ServerKind(raw.Type) {
	case ServerStdio:
		s.Kind = ServerStdio
		s.Command = raw.Command
		s.Args = raw.Args
		s.Env = raw.Env
	case ServerSSE:
		s.Kind = ServerSSE
		s.URL = raw.URL
		s.Headers = raw.Headers
	case ServerHTTP:
		s.Kind = ServerHTTP
		s.URL = raw.URL
		s.Headers = raw.Headers
	default:
		return fmt.Errorf("spellconfig: unknown server type %q", raw.Type)
	}
	s.Auth = raw.Auth
	return nil
}

// rawAuthConfig mirrors AuthConfig's YAML shape.
type rawAuthConfig struct {
	Type         string `yaml:"type"`
	Token        string `yaml:"token"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	Scope        string `yaml:"scope"`
	PrivateKey   string `yaml:"private_key"`
	Algorithm    string `yaml:"algorithm"`
	Assertion    string `yaml:"assertion"`
}

// UnmarshalYAML decodes the auth tagged union from its discriminant
// "type" field.
func (a *AuthConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawAuthConfig
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("spellconfig: decode auth: %w", err)
	}
	*a = AuthConfig{
		Kind:         AuthKind(raw.Type),
		Token:        raw.Token,
		Username:     raw.Username,
		Password:     raw.Password,
		ClientID:     raw.ClientID,
		ClientSecret: raw.ClientSecret,
		TokenURL:     raw.TokenURL,
		Scope:        raw.Scope,
		PrivateKey:   raw.PrivateKey,
		Algorithm:    raw.Algorithm,
		Assertion:    raw.Assertion,
	}
	if a.Kind == "" {
		a.Kind = AuthNone
	}
	return nil
}

// Parse decodes a single *.spell.yaml document.
func Parse(data []byte) (*SpellConfig, error) {
	var cfg SpellConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("spellconfig: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
