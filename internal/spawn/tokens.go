package spawn

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

// TokenProvider is the capability a dynamic (OAuth-flavored) auth config
// yields: an access token minted or refreshed lazily (§4.5.2).
type TokenProvider interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// NewTokenProvider builds the token provider matching auth.Kind. A nil,
// nil return means "no provider" — either auth is not an OAuth variant,
// or required fields are missing (logged as a warning); the caller
// treats both identically as "no OAuth leg" per §4.5.2.
func NewTokenProvider(auth *spellconfig.AuthConfig, logger *slog.Logger) (TokenProvider, error) {
	if auth == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch auth.Kind {
	case spellconfig.AuthClientCredentials:
		if auth.ClientID == "" || auth.ClientSecret == "" || auth.TokenURL == "" {
			logger.Warn("client_credentials auth missing required fields, skipping OAuth leg")
			return nil, nil
		}
		cfg := &clientcredentials.Config{
			ClientID:     spellconfig.ExpandEnvVar(auth.ClientID, logger),
			ClientSecret: spellconfig.ExpandEnvVar(auth.ClientSecret, logger),
			TokenURL:     spellconfig.ExpandEnvVar(auth.TokenURL, logger),
		}
		if auth.Scope != "" {
			cfg.Scopes = strings.Fields(auth.Scope)
		}
		return &clientCredentialsProvider{cfg: cfg}, nil

	case spellconfig.AuthPrivateKeyJWT:
		if auth.ClientID == "" || auth.TokenURL == "" || auth.PrivateKey == "" {
			logger.Warn("private_key_jwt auth missing required fields, skipping OAuth leg")
			return nil, nil
		}
		alg := auth.Algorithm
		if alg == "" {
			alg = "RS256"
		}
		key, err := parsePrivateKey(spellconfig.ExpandEnvVar(auth.PrivateKey, logger), alg)
		if err != nil {
			return nil, fmt.Errorf("spawn: parse private key: %w", err)
		}
		p := &privateKeyJWTProvider{
			clientID: spellconfig.ExpandEnvVar(auth.ClientID, logger),
			tokenURL: spellconfig.ExpandEnvVar(auth.TokenURL, logger),
			alg:      jwt.GetSigningMethod(alg),
			key:      key,
		}
		return &jwtBearerProvider{tokenURL: p.tokenURL, fetch: p.assertion}, nil

	case spellconfig.AuthStaticPrivateKeyJWT:
		if auth.Assertion == "" || auth.TokenURL == "" {
			logger.Warn("static_private_key_jwt auth missing required fields, skipping OAuth leg")
			return nil, nil
		}
		tokenURL := spellconfig.ExpandEnvVar(auth.TokenURL, logger)
		assertion := spellconfig.ExpandEnvVar(auth.Assertion, logger)
		return &jwtBearerProvider{
			tokenURL: tokenURL,
			fetch:    func(ctx context.Context) (string, error) { return assertion, nil },
		}, nil

	default:
		return nil, nil
	}
}

// clientCredentialsProvider wraps x/oauth2's clientcredentials flow, which
// already handles caching a token until shortly before expiry.
type clientCredentialsProvider struct {
	cfg *clientcredentials.Config
}

func (p *clientCredentialsProvider) GetAccessToken(ctx context.Context) (string, error) {
	tok, err := p.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("client_credentials token: %w", err)
	}
	return tok.AccessToken, nil
}

// privateKeyJWTProvider signs a fresh assertion per §4.5.2's private-key-JWT
// shape: {iss=clientId, sub=clientId, aud=tokenUrl, exp=now+short, jti=random}.
type privateKeyJWTProvider struct {
	clientID string
	tokenURL string
	alg      jwt.SigningMethod
	key      any
}

func (p *privateKeyJWTProvider) assertion(ctx context.Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.clientID,
		"sub": p.clientID,
		"aud": p.tokenURL,
		"exp": now.Add(2 * time.Minute).Unix(),
		"iat": now.Unix(),
		"jti": randomJTI(),
	}
	token := jwt.NewWithClaims(p.alg, claims)
	return token.SignedString(p.key)
}

// jwtBearerProvider POSTs the shared client_assertion grant (§4.5.2) using
// an assertion supplied by fetch — either freshly signed (private-key-JWT)
// or a verbatim static value — and caches the resulting access token until
// shortly before its reported expiry.
type jwtBearerProvider struct {
	mu       sync.Mutex
	tokenURL string
	fetch    func(ctx context.Context) (string, error)

	cachedToken  string
	cachedExpiry time.Time
}

func (p *jwtBearerProvider) GetAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedToken != "" && time.Now().Add(10*time.Second).Before(p.cachedExpiry) {
		return p.cachedToken, nil
	}

	assertion, err := p.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("build client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)

	token, expiresIn, err := postTokenRequest(ctx, p.tokenURL, form)
	if err != nil {
		return "", err
	}
	p.cachedToken = token
	p.cachedExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return token, nil
}

func postTokenRequest(ctx context.Context, tokenURL string, form url.Values) (token string, expiresIn int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, errors.New("token response missing access_token")
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 300
	}
	return parsed.AccessToken, parsed.ExpiresIn, nil
}

func randomJTI() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func parsePrivateKey(pemData, alg string) (any, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return jwt.ParseRSAPrivateKeyFromPEM([]byte(pemData))
	case strings.HasPrefix(alg, "ES"):
		return jwt.ParseECPrivateKeyFromPEM([]byte(pemData))
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}
