package spawn

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

// buildHeaders constructs the request headers for a remote spell per
// §4.5.1: base headers expanded, then an Authorization header layered on
// according to auth.Kind. Returns the headers and the constructed token
// provider (nil if auth has no dynamic OAuth leg), so callers can keep
// refreshing the header on reconnect.
func buildHeaders(ctx context.Context, cfg *spellconfig.ServerConfig, logger *slog.Logger) (map[string]string, TokenProvider, error) {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = spellconfig.ExpandEnvVar(v, logger)
	}

	auth := cfg.Auth
	if auth == nil || auth.Kind == spellconfig.AuthNone {
		return headers, nil, nil
	}

	switch auth.Kind {
	case spellconfig.AuthBearer:
		token := spellconfig.ExpandEnvVar(auth.Token, logger)
		if token == "" {
			logger.Warn("bearer auth token is empty after expansion")
		}
		headers["Authorization"] = "Bearer " + token
		return headers, nil, nil

	case spellconfig.AuthBasic:
		user := spellconfig.ExpandEnvVar(auth.Username, logger)
		pass := spellconfig.ExpandEnvVar(auth.Password, logger)
		if user == "" || pass == "" {
			logger.Warn("basic auth missing username or password after expansion, dropping header")
			return headers, nil, nil
		}
		// Documented compatibility quirk (§9): basic credentials are sent
		// as base64(u:p) under the Bearer scheme, not a proper Basic
		// Authorization header.
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		headers["Authorization"] = "Bearer " + encoded
		return headers, nil, nil

	case spellconfig.AuthClientCredentials, spellconfig.AuthPrivateKeyJWT, spellconfig.AuthStaticPrivateKeyJWT:
		provider, err := NewTokenProvider(auth, logger)
		if err != nil {
			return nil, nil, err
		}
		if provider == nil {
			return headers, nil, nil
		}
		token, err := provider.GetAccessToken(ctx)
		if err != nil {
			return nil, nil, err
		}
		headers["Authorization"] = "Bearer " + token
		return headers, provider, nil

	default:
		return headers, nil, nil
	}
}
