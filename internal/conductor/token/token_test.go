package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, key
}

// tokenServer fakes the installation-token exchange endpoint. It records
// the number of exchanges and the last assertion received.
type tokenServer struct {
	*httptest.Server
	exchanges     atomic.Int64
	mu            sync.Mutex
	lastAssertion string
	expiresIn     time.Duration
	status        int
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresIn: time.Hour, status: http.StatusCreated}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/access_tokens") {
			http.NotFound(w, r)
			return
		}
		ts.exchanges.Add(1)
		ts.mu.Lock()
		ts.lastAssertion = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ts.mu.Unlock()

		if ts.status != http.StatusCreated {
			w.WriteHeader(ts.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("ghs_test_%d", ts.exchanges.Load()),
			"expires_at": time.Now().UTC().Add(ts.expiresIn).Format(time.RFC3339),
		})
	}))
	t.Cleanup(ts.Server.Close)
	return ts
}

func newTestBroker(t *testing.T, ts *tokenServer) *Broker {
	t.Helper()
	keyPath, _ := writeTestKey(t)
	b, err := New(Config{
		ClientID:       "Iv1.testclient",
		InstallationID: 99,
		PrivateKeyPath: keyPath,
		BaseURL:        ts.URL,
	})
	if err != nil {
		t.Fatalf("creating broker: %v", err)
	}
	return b
}

func TestToken_MintsAndCaches(t *testing.T) {
	ts := newTokenServer(t)
	b := newTestBroker(t, ts)

	first, err := b.Token()
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	if first.AccessToken != "ghs_test_1" {
		t.Fatalf("unexpected token: %s", first.AccessToken)
	}

	second, err := b.Token()
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if second.AccessToken != first.AccessToken {
		t.Fatal("expected cached token to be reused")
	}
	if got := ts.exchanges.Load(); got != 1 {
		t.Fatalf("expected 1 exchange, got %d", got)
	}
}

func TestToken_AssertionClaims(t *testing.T) {
	ts := newTokenServer(t)
	b := newTestBroker(t, ts)

	if _, err := b.Token(); err != nil {
		t.Fatal(err)
	}

	ts.mu.Lock()
	assertion := ts.lastAssertion
	ts.mu.Unlock()

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		t.Fatalf("parsing assertion: %v", err)
	}
	if claims.Issuer != "Iv1.testclient" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	now := time.Now()
	if !claims.IssuedAt.Time.Before(now.Add(-30 * time.Second)) {
		t.Error("iat not skewed into the past")
	}
	ttl := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if ttl < 10*time.Minute || ttl > 12*time.Minute {
		t.Errorf("unexpected assertion lifetime: %v", ttl)
	}
}

func TestToken_RefreshesBeforeExpiry(t *testing.T) {
	ts := newTokenServer(t)
	b := newTestBroker(t, ts)

	if _, err := b.Token(); err != nil {
		t.Fatal(err)
	}

	// Move the clock to 4 minutes before expiry: inside the refresh window.
	b.now = func() time.Time { return time.Now().Add(57 * time.Minute) }

	tok, err := b.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "ghs_test_2" {
		t.Fatalf("expected refreshed token, got %s", tok.AccessToken)
	}
	if got := ts.exchanges.Load(); got != 2 {
		t.Fatalf("expected 2 exchanges, got %d", got)
	}
}

func TestToken_ConcurrentExpiry_SingleRefresh(t *testing.T) {
	ts := newTokenServer(t)
	b := newTestBroker(t, ts)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Token(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("token: %v", err)
	}
	if got := ts.exchanges.Load(); got != 1 {
		t.Fatalf("thundering herd: %d exchanges for concurrent callers", got)
	}
}

func TestToken_ExchangeRejected(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusUnauthorized
	b := newTestBroker(t, ts)

	_, err := b.Token()
	if err == nil {
		t.Fatal("expected error")
	}
	if !faults.Is(err, faults.KindAuth) {
		t.Fatalf("expected auth fault, got %v", err)
	}
}

func TestNew_BadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := New(Config{ClientID: "x", InstallationID: 1, PrivateKeyPath: path})
	if err == nil {
		t.Fatal("expected error for unparseable key")
	}
	if !faults.Is(err, faults.KindAuth) {
		t.Fatalf("expected auth fault, got %v", err)
	}
}

func TestNew_MissingKeyFile(t *testing.T) {
	_, err := New(Config{ClientID: "x", InstallationID: 1, PrivateKeyPath: "/nonexistent/key.pem"})
	if err == nil {
		t.Fatal("expected error for missing key file")
	}
}
