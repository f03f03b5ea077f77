package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/turnstile-tool/internal/codec"
	"github.com/vitaminmoo/turnstile-tool/internal/util"
)

// IndexEndpoint is requested to open a session; the device sets its cookie there.
const IndexEndpoint = "/"

// DefaultExpiredMarkers are lowercase fragments of the pages the firmware
// serves with HTTP 200 instead of the requested resource once the session
// is gone.
var DefaultExpiredMarkers = []string{
	"session expired",
	"session timeout",
	"authorization required",
	"please log in",
	`name="login"`,
}

const maxBodySize = 16 << 20

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string

	Timeout time.Duration // per request (default 10s)
	Retries int           // extra attempts after the first one for unreachable errors

	// NewBackOff returns the retry schedule for one request.
	// Defaults to exponential backoff starting at 250ms.
	NewBackOff func() backoff.BackOff

	ExpiredMarkers []string
	HTTPClient     *http.Client // optional; its Jar is replaced by the session
}

// RawResponse is a classified device response.
type RawResponse struct {
	Endpoint   string
	StatusCode int
	Body       []byte
	Binary     bool
	ReceivedAt time.Time
}

// Text returns the body with trailing padding removed.
func (r *RawResponse) Text() string {
	return strings.TrimSpace(codec.TrimPadding(r.Body))
}

// Client issues requests to the device's CGI endpoints one at a time.
type Client struct {
	base       *url.URL
	username   string
	password   string
	http       *http.Client
	session    *Session
	retries    int
	newBackOff func() backoff.BackOff
	markers    []string
	now        func() time.Time
}

// New creates a Client for the device at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid device URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid device URL %q: need scheme and host", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}

	markers := opts.ExpiredMarkers
	if len(markers) == 0 {
		markers = DefaultExpiredMarkers
	}

	c := &Client{
		base:       base,
		username:   opts.Username,
		password:   opts.Password,
		session:    newSession(base),
		retries:    retries,
		newBackOff: newBackOff,
		markers:    markers,
		now:        time.Now,
	}

	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		clone := *opts.HTTPClient
		httpClient = &clone
	}
	httpClient.Timeout = timeout
	httpClient.Jar = c.session
	c.http = httpClient

	return c, nil
}

// Session returns the session state owned by this client.
func (c *Client) Session() *Session {
	return c.session
}

// BaseURL returns the device address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Login drops the current cookies and opens a fresh session by requesting
// the index page with the configured credentials.
func (c *Client) Login(ctx context.Context) error {
	c.session.reset()
	if _, err := c.Request(ctx, IndexEndpoint, nil, false); err != nil {
		if KindOf(err) == SessionExpired {
			return &Error{Kind: SessionExpired, Endpoint: IndexEndpoint, Err: errors.New("login rejected, check credentials")}
		}
		return err
	}
	c.session.establish(c.now())
	log.Debug().Str("device", c.base.Host).Int("logins", c.session.Logins()).Msg("session established")
	return nil
}

// Request sends a GET to endpoint with params and classifies the response.
//
// Connection failures, timeouts and 5xx answers are retried with backoff and
// end in an Unreachable error. A session rejection is returned immediately as
// SessionExpired so the caller can log in again.
func (c *Client) Request(ctx context.Context, endpoint string, params url.Values, expectBinary bool) (*RawResponse, error) {
	target := c.base.ResolveReference(&url.URL{Path: endpoint})
	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}

	var resp *RawResponse
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.do(ctx, endpoint, target.String(), expectBinary)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var te *Error
			if errors.As(err, &te) && te.Kind != Unreachable {
				return backoff.Permanent(err)
			}
			log.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("device request failed")
			return err
		}
		resp = r
		return nil
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.retries)), ctx)
	if err := backoff.Retry(op, schedule); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", endpoint, ctxErr)
		}
		var te *Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &Error{Kind: Unreachable, Endpoint: endpoint, Err: fmt.Errorf("after %d attempts: %w", attempt, err)}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, endpoint, target string, expectBinary bool) (*RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: Status, Endpoint: endpoint, Err: err}
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := c.now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: Unreachable, Endpoint: endpoint, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Kind: Unreachable, Endpoint: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}

	log.Debug().
		Str("endpoint", endpoint).
		Int("status", httpResp.StatusCode).
		Int("bytes", len(body)).
		Dur("elapsed", c.now().Sub(start)).
		Msg("device response")
	if expectBinary && zerolog.GlobalLevel() <= zerolog.TraceLevel {
		log.Trace().Msg("payload\n" + util.HexDump(body))
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized:
		c.session.expire()
		return nil, &Error{Kind: SessionExpired, Endpoint: endpoint, Code: httpResp.StatusCode}
	case httpResp.StatusCode >= 500:
		return nil, &Error{Kind: Unreachable, Endpoint: endpoint, Code: httpResp.StatusCode}
	case httpResp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: Status, Endpoint: endpoint, Code: httpResp.StatusCode, Err: errors.New(snippet(body))}
	}

	// A binary endpoint answering with a text page is the login form, not data.
	// The firmware pads that page to its block size like any payload.
	if (!expectBinary || util.IsTextData([]byte(codec.TrimPadding(body)))) && c.looksExpired(body) {
		c.session.expire()
		return nil, &Error{Kind: SessionExpired, Endpoint: endpoint, Err: errors.New(snippet(body))}
	}

	c.session.touch(c.now())
	return &RawResponse{
		Endpoint:   endpoint,
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Binary:     expectBinary,
		ReceivedAt: c.session.LastActivity(),
	}, nil
}

func (c *Client) looksExpired(body []byte) bool {
	text := strings.ToLower(codec.TrimPadding(body))
	for _, m := range c.markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(codec.TrimPadding(body))
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
