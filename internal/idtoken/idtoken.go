// Package idtoken fetches Google-signed OpenID Connect ID tokens for a
// service account, for calling endpoints such as Cloud Functions or Cloud Run
// that authenticate callers by audience.
package idtoken

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CredentialsEnv is consulted when Config names no credentials
const CredentialsEnv = "GOOGLE_APPLICATION_CREDENTIALS"

// ErrNoCredentials is returned when no service account key could be located
var ErrNoCredentials = errors.New("no service account credentials configured")

// Config describes which service account signs the request and which
// audience the token is minted for
type Config struct {
	// CredentialsFile is the path to a service account JSON key
	CredentialsFile string
	// CredentialsJSON is the key content itself; it wins over CredentialsFile
	CredentialsJSON []byte
	// Audience is the receiving service URL
	Audience string
}

// Fetch exchanges a signed JWT assertion carrying the target audience for an
// ID token. The token string is returned in AccessToken so the result plugs
// into oauth2 transports unchanged.
func Fetch(ctx context.Context, cfg Config) (*oauth2.Token, error) {
	ts, err := TokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch id token for %s: %w", cfg.Audience, err)
	}
	return tok, nil
}

// TokenSource returns a caching source of ID tokens for cfg.Audience
func TokenSource(ctx context.Context, cfg Config) (oauth2.TokenSource, error) {
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}

	key, err := cfg.credentials()
	if err != nil {
		return nil, err
	}

	jwtCfg, err := google.JWTConfigFromJSON(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	jwtCfg.UseIDToken = true
	jwtCfg.PrivateClaims = map[string]any{
		"target_audience": cfg.Audience,
	}

	return jwtCfg.TokenSource(ctx), nil
}

func (c Config) credentials() ([]byte, error) {
	if len(c.CredentialsJSON) > 0 {
		return c.CredentialsJSON, nil
	}

	path := c.CredentialsFile
	if path == "" {
		path = os.Getenv(CredentialsEnv)
	}
	if path == "" {
		return nil, ErrNoCredentials
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return data, nil
}
