// Package token mints short-lived GitHub App installation credentials
// from the app's signing key. Tokens are cached per installation and
// refreshed shortly before expiry; concurrent callers hitting an expired
// cache share a single refresh.
package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

const (
	// iatSkew backdates the assertion to tolerate clock drift between us
	// and the identity provider.
	iatSkew = 60 * time.Second
	// assertionTTL is the signed assertion's lifetime, not the
	// credential's.
	assertionTTL = 10 * time.Minute
	// refreshWindow triggers a synchronous refresh when the cached
	// credential is this close to expiring.
	refreshWindow = 5 * time.Minute

	exchangeTimeout = 30 * time.Second
)

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// Config holds the app identity used to mint credentials.
type Config struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
	// BaseURL overrides the GitHub API endpoint (mock servers in tests).
	BaseURL string
}

// Broker exchanges signed assertions for installation access tokens.
// It implements oauth2.TokenSource.
type Broker struct {
	clientID       string
	installationID int64
	key            *rsa.PrivateKey
	baseURL        string
	now            func() time.Time

	mu     sync.Mutex
	cached *oauth2.Token
	group  singleflight.Group
}

// New creates a Broker, parsing the signing key eagerly so a bad key
// surfaces at startup rather than on the first webhook.
func New(cfg Config) (*Broker, error) {
	keyData, err := readKeyFile(expandHome(cfg.PrivateKeyPath))
	if err != nil {
		return nil, faults.Auth(fmt.Errorf("reading private key %s: %w", cfg.PrivateKeyPath, err))
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, faults.Auth(fmt.Errorf("parsing private key: %w", err))
	}
	return &Broker{
		clientID:       cfg.ClientID,
		installationID: cfg.InstallationID,
		key:            key,
		baseURL:        cfg.BaseURL,
		now:            time.Now,
	}, nil
}

// Token returns a credential valid for at least refreshWindow. A cached
// token is reused until it enters the refresh window; then the next call
// mints a replacement synchronously, with concurrent callers collapsed
// into one exchange.
func (b *Broker) Token() (*oauth2.Token, error) {
	b.mu.Lock()
	if t := b.cached; t != nil && b.now().Before(t.Expiry.Add(-refreshWindow)) {
		b.mu.Unlock()
		return t, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do("mint", func() (any, error) {
		// Re-check under the group: a queued caller may arrive after the
		// winner already refreshed.
		b.mu.Lock()
		if t := b.cached; t != nil && b.now().Before(t.Expiry.Add(-refreshWindow)) {
			b.mu.Unlock()
			return t, nil
		}
		b.mu.Unlock()

		t, err := b.mint()
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cached = t
		b.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// mint signs a fresh assertion and exchanges it for an installation
// token. Exchange failures are fatal to the calling workflow step; a
// credential is never used past expiry.
func (b *Broker) mint() (*oauth2.Token, error) {
	now := b.now()
	claims := &jwt.RegisteredClaims{
		Issuer:    b.clientID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-iatSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.key)
	if err != nil {
		return nil, faults.Auth(fmt.Errorf("signing assertion: %w", err))
	}

	client := gh.NewClient(nil).WithAuthToken(assertion)
	if b.baseURL != "" {
		client, err = client.WithEnterpriseURLs(b.baseURL, b.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring API endpoint: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	it, resp, err := client.Apps.CreateInstallationToken(ctx, b.installationID, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 500 {
			return nil, faults.Transient(fmt.Errorf("exchanging assertion: %w", err))
		}
		return nil, faults.Auth(fmt.Errorf("exchanging assertion for installation %d: %w", b.installationID, err))
	}

	return &oauth2.Token{
		AccessToken: it.GetToken(),
		TokenType:   "token",
		Expiry:      it.GetExpiresAt().Time,
	}, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
