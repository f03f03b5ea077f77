package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/turnstile-tool/internal/transport"
)

func newClient(t *testing.T, baseURL string, retries int) *transport.Client {
	t.Helper()
	c, err := transport.New(transport.Options{
		BaseURL:    baseURL,
		Username:   "admin",
		Password:   "secret",
		Timeout:    200 * time.Millisecond,
		Retries:    retries,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	return c
}

func TestClient_LoginCarriesCookieAndCredentials(t *testing.T) {
	var sessions int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/":
			n := atomic.AddInt32(&sessions, 1)
			http.SetCookie(w, &http.Cookie{Name: "SID", Value: fmt.Sprintf("s%d", n), Path: "/"})
			fmt.Fprint(w, "<html>turnstile</html>")
		case "/cgi/ping":
			c, err := r.Cookie("SID")
			if err != nil {
				fmt.Fprint(w, "Session expired")
				return
			}
			fmt.Fprintf(w, "OK %s %s", c.Value, r.URL.Query().Get("req"))
		}
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	assert.Equal(t, transport.SessionNone, c.Session().State())

	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, transport.SessionLive, c.Session().State())
	assert.Equal(t, "SID=s1", c.Session().Token())
	assert.Equal(t, 1, c.Session().Logins())

	resp, err := c.Request(context.Background(), "/cgi/ping", url.Values{"req": {"1+1+5"}}, false)
	require.NoError(t, err)
	assert.Equal(t, "OK s1 1+1+5", resp.Text())
	assert.False(t, c.Session().LastActivity().IsZero())

	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, "SID=s2", c.Session().Token())
	assert.Equal(t, 2, c.Session().Logins())
}

func TestClient_LoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<form name="login">`)
	}))
	defer srv.Close()

	err := newClient(t, srv.URL, 0).Login(context.Background())
	require.ErrorIs(t, err, transport.ErrSessionExpired)
	require.Contains(t, err.Error(), "check credentials")
}

func TestClient_RetriesUntilDeviceAnswers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "OK")
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL, 3).Request(context.Background(), "/cgi/x", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Text())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_UnreachableAfterRetryBudget(t *testing.T) {
	t.Run("server errors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newClient(t, srv.URL, 2).Request(context.Background(), "/cgi/x", nil, false)
		require.ErrorIs(t, err, transport.ErrUnreachable)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		_, err := newClient(t, addr, 1).Request(context.Background(), "/", nil, false)
		require.ErrorIs(t, err, transport.ErrUnreachable)
		assert.Equal(t, transport.Unreachable, transport.KindOf(err))
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()

		_, err := newClient(t, srv.URL, 0).Request(context.Background(), "/cgi/slow", nil, false)
		require.ErrorIs(t, err, transport.ErrUnreachable)
	})
}

func TestClient_SessionExpiredIsNotRetried(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"marker in 200 page": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html><body>Session expired, please log in</body></html>")
		},
		"http 401": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				h(w, r)
			}))
			defer srv.Close()

			c := newClient(t, srv.URL, 5)
			_, err := c.Request(context.Background(), "/cgi/card_edit", nil, false)
			require.ErrorIs(t, err, transport.ErrSessionExpired)
			assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
			assert.Equal(t, transport.SessionExpiredState, c.Session().State())
		})
	}
}

func TestClient_BinaryResponses(t *testing.T) {
	payload := []byte{0x39, 0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login-page" {
			fmt.Fprint(w, "Authorization required")
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	resp, err := c.Request(context.Background(), "/cgi/card_get_list", nil, true)
	require.NoError(t, err)
	assert.Equal(t, payload, resp.Body)
	assert.True(t, resp.Binary)

	_, err = c.Request(context.Background(), "/login-page", nil, true)
	require.ErrorIs(t, err, transport.ErrSessionExpired)
}

func TestClient_PaddedLoginPageOnBinaryEndpoint(t *testing.T) {
	page := []byte("<html><body>Session expired, please log in</body></html>")
	padded := make([]byte, 256)
	copy(padded, page)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(padded)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	_, err := c.Request(context.Background(), "/cgi/card_get_list", nil, true)
	require.ErrorIs(t, err, transport.ErrSessionExpired)
	assert.Equal(t, transport.SessionExpiredState, c.Session().State())
}

func TestClient_UnexpectedStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such cgi", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 3).Request(context.Background(), "/cgi/missing", nil, false)
	require.ErrorIs(t, err, transport.ErrStatus)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	var te *transport.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.Code)
}

func TestClient_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newClient(t, srv.URL, 3).Request(ctx, "/cgi/x", nil, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := transport.New(transport.Options{BaseURL: "10.0.0.5"})
	require.Error(t, err)
}
