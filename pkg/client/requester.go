// Package client requests per-host job tables from the coordination endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// maxBodySize caps a coordination response.
const maxBodySize = 8 << 20

// Credentials are optional Basic auth credentials. A header is sent iff Username is set.
type Credentials struct {
	Username string
	Password string
}

// Config contains requester configuration options.
type Config struct {
	// Timeout bounds each request. Zero uses engine.DefaultFetchTimeout.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Requester fetches job tables and remote job documents over HTTP.
type Requester struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger
}

// NewRequester creates a new requester.
func NewRequester(cfg Config, logger zerolog.Logger) *Requester {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = engine.DefaultFetchTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "remoteman"
	}
	return &Requester{
		client:    &http.Client{Timeout: timeout, Transport: cfg.Transport},
		userAgent: ua,
		logger:    logger.With().Str("component", "requester").Logger(),
	}
}

// Fetch requests the job table for host from the server described by server.
// It does not retry; the polling loop provides retry by re-running the cycle.
func (r *Requester) Fetch(ctx context.Context, server *spec.ServerSpec, host engine.HostIdentity) (spec.JobTable, error) {
	if server == nil {
		return nil, engine.NewSpecFormatError("remote spec has no server section", nil).WithCode(engine.ErrCodeMissingField)
	}
	if strings.TrimSpace(server.URL) == "" {
		return nil, engine.NewSpecFormatError("server section has no url", nil).WithCode(engine.ErrCodeMissingField)
	}

	target, err := spec.SubstituteHost(server.URL, host, true)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{Username: server.Username, Password: server.Password}
	body, err := r.WebGet(ctx, target, creds, server.Args)
	if err != nil {
		return nil, err
	}

	table, err := spec.DecodeJobTable(body)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("url", redact(target)).
		Int("jobs", len(table)).
		Msg("Fetched job table")
	return table, nil
}

// WebGet retrieves source. With non-empty args the request is a form-encoded POST,
// otherwise a GET. Basic auth is attached iff creds carries a username.
func (r *Requester) WebGet(ctx context.Context, source string, creds *Credentials, args map[string]string) ([]byte, error) {
	method := http.MethodGet
	var payload io.Reader
	if len(args) > 0 {
		form := url.Values{}
		for k, v := range args {
			form.Set(k, v)
		}
		method = http.MethodPost
		payload = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, source, payload)
	if err != nil {
		return nil, engine.NewSpecFormatError(fmt.Sprintf("invalid url %q", redact(source)), err).WithCode(engine.ErrCodeTemplate)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		code := engine.ErrCodeTransport
		if errors.Is(err, context.Canceled) {
			code = engine.ErrCodeCancelled
		}
		return nil, engine.NewRPCError(fmt.Sprintf("%s %s failed", method, redact(source)), err).WithCode(code)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, engine.NewRPCError(fmt.Sprintf("reading response from %s", redact(source)), err).WithCode(engine.ErrCodeTransport)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := engine.ErrCodeHTTPStatus
		if resp.StatusCode == http.StatusNotFound {
			code = engine.ErrCodeNotFound
		}
		return nil, engine.NewRPCError(
			fmt.Sprintf("%s %s returned %s", method, redact(source), resp.Status), nil).
			WithCode(code)
	}

	return body, nil
}

// Get retrieves source anonymously. It serves http(s) content sources for the file
// handler.
func (r *Requester) Get(ctx context.Context, source string) ([]byte, error) {
	return r.WebGet(ctx, source, nil, nil)
}

// SameOrigin reports whether a and b share scheme and host.
func SameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && strings.EqualFold(ua.Host, ub.Host)
}

// redact strips userinfo from a URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
