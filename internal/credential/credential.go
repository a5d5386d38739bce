// Package credential models the "credential provider" seam of §9: the
// transfer core never does cookie-based login itself, it is handed a
// provider that owns the mutable token set. Grounded on the Rust
// client's cookie-jar + cached-bdstoken pattern, generalized behind an
// interface so the login/session-persistence implementation stays an
// external collaborator.
package credential

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// Credential is an immutable snapshot of a user's auth state at a point
// in time. RemoteClient reads these; only the provider mutates the
// underlying state.
type Credential struct {
	UID             string
	PrimaryToken    string
	SecondaryTokens []string
	BDSToken        string
}

// Provider is the capability set §9 names: {get_snapshot, warm_up,
// reinject_primary}. Implementations guard mutation with a mutex fine
// enough that WarmUp does not block unrelated calls reading Snapshot.
type Provider interface {
	Snapshot() Credential
	WarmUp(ctx context.Context) error
	ReinjectPrimary(jar http.CookieJar) error
}

// Static is a minimal in-memory Provider for tests and for hosts that
// manage login out-of-process and simply hand the core a fixed token
// set. WarmUp is a no-op; ReinjectPrimary sets the primary token as a
// cookie on pan.baidu.com.
type Static struct {
	mu  sync.RWMutex
	cred Credential
}

func NewStatic(cred Credential) *Static {
	return &Static{cred: cred}
}

func (s *Static) Snapshot() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Static) Update(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}

func (s *Static) WarmUp(ctx context.Context) error {
	return nil
}

func (s *Static) ReinjectPrimary(jar http.CookieJar) error {
	s.mu.RLock()
	token := s.cred.PrimaryToken
	s.mu.RUnlock()
	if token == "" {
		return nil
	}
	u := &url.URL{Scheme: "https", Host: "pan.baidu.com", Path: "/"}
	jar.SetCookies(u, []*http.Cookie{{Name: "BDUSS", Value: token, Domain: ".baidu.com", Path: "/"}})
	return nil
}

var _ Provider = (*Static)(nil)

// NewCookieJar is a small convenience wrapper so callers don't need to
// import net/http/cookiejar themselves just to construct a RemoteClient.
func NewCookieJar() (http.CookieJar, error) {
	return cookiejar.New(nil)
}
