package transport

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// SessionState tracks whether the device currently accepts our cookie.
type SessionState int

const (
	SessionNone SessionState = iota
	SessionLive
	SessionExpiredState
)

func (s SessionState) String() string {
	switch s {
	case SessionLive:
		return "live"
	case SessionExpiredState:
		return "expired"
	default:
		return "none"
	}
}

// Session is the client-side view of the device's implicit login state.
// It is owned by one Client and never shared between concurrent callers.
type Session struct {
	base         *url.URL
	jar          *cookiejar.Jar
	token        string
	lastActivity time.Time
	state        SessionState
	logins       int
}

func newSession(base *url.URL) *Session {
	s := &Session{base: base}
	s.reset()
	return s
}

// reset drops all cookies so the next login starts from scratch.
func (s *Session) reset() {
	// cookiejar.New only fails on a bad PublicSuffixList, and we pass none
	jar, _ := cookiejar.New(nil)
	s.jar = jar
	s.token = ""
	s.state = SessionNone
}

func (s *Session) touch(now time.Time) {
	s.lastActivity = now
	if s.state != SessionExpiredState {
		s.token = cookieToken(s.jar.Cookies(s.base))
	}
}

func (s *Session) establish(now time.Time) {
	s.state = SessionLive
	s.logins++
	s.touch(now)
}

func (s *Session) expire() {
	s.state = SessionExpiredState
}

// Token is the session cookie currently presented to the device.
func (s *Session) Token() string { return s.token }

// LastActivity is the time of the last response from the device.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// State reports the liveness of the session.
func (s *Session) State() SessionState { return s.state }

// Logins counts successful session establishments, including the first one.
func (s *Session) Logins() int { return s.logins }

// SetCookies implements http.CookieJar so a reset swaps the jar under the HTTP client.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.jar.SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

func cookieToken(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
