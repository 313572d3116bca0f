// Package session implements the HTTP Session component (spec §4.C): a
// single authenticated, traced, retrying HTTP client shared by the presence,
// push and pull pipelines for one sync target.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/nixsync/pkg/circuitbreaker"
	"github.com/kalbasit/nixsync/pkg/storepath"
)

const (
	otelPackageName = "github.com/kalbasit/nixsync/pkg/session"

	defaultHTTPTimeout = 5 * time.Second
	defaultRetryDelay  = 500 * time.Millisecond

	// defaultMaxAuthAttempts bounds the interactive-prompt loop so a typo'd
	// password does not hang a script forever (spec §4.C).
	defaultMaxAuthAttempts = 3
)

var (
	// ErrEndpointRequired is returned if New is called without an endpoint.
	ErrEndpointRequired = errors.New("the endpoint URL is required")

	// ErrStoreDirMismatch is returned when the server's nix-cache-info
	// StoreDir does not match the local store root (spec §4.C handshake).
	ErrStoreDirMismatch = errors.New("store dir mismatch between local store and remote cache")

	// ErrUnauthorized is returned once the auth chain is exhausted against a
	// server that keeps answering 401.
	ErrUnauthorized = errors.New("authentication failed")

	// ErrCircuitOpen is returned when the circuit breaker is rejecting
	// requests to protect an unhealthy upstream.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCouldNotConnect is returned when the initial handshake can't reach
	// the remote cache at all, after the auth/retry chain is exhausted.
	ErrCouldNotConnect = errors.New("could not connect to remote cache")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Options configures a Session.
type Options struct {
	// Credentials, if non-nil, takes precedence over every other credential
	// source (spec §4.C: "explicit argument" link of the chain).
	Credentials *Credentials

	// UsernameEnv/PasswordEnv name the environment variables consulted after
	// explicit credentials and before .netrc. Defaults to
	// NIX_BINARY_CACHE_USERNAME / NIX_BINARY_CACHE_PASSWORD (spec §6).
	UsernameEnv string
	PasswordEnv string

	// NetrcPath overrides the .netrc location. Defaults to $HOME/.netrc.
	NetrcPath string

	// Prompter is consulted last, only when connected to a terminal. Nil
	// disables interactive prompting entirely (the default for daemon/cron
	// use, where a hang would be worse than a hard failure).
	Prompter CredentialPrompter

	// MaxAttempts bounds transient-failure retries. Zero means unbounded
	// (the loop runs until ctx is cancelled or a non-retryable response
	// arrives), matching spec §4.C's "unbounded when unset".
	MaxAttempts int

	// RetryDelay is the fixed backoff between retry attempts.
	RetryDelay time.Duration

	// HTTPTimeout bounds connection establishment and header wait per
	// attempt, not the whole request (large NAR bodies must not be capped).
	HTTPTimeout time.Duration

	// CircuitBreaker, if nil, is created with circuitbreaker.DefaultThreshold
	// and circuitbreaker.DefaultTimeout.
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// Session is one authenticated connection to a sync target's HTTP API.
type Session struct {
	endpoint    *url.URL
	httpClient  *http.Client
	chain       credentialChain
	maxAttempts int
	retryDelay  time.Duration
	breaker     *circuitbreaker.CircuitBreaker

	mu    sync.Mutex
	creds *Credentials
}

// New returns a Session targeting endpoint. It does not perform any network
// I/O; call Handshake before issuing other requests.
func New(endpoint *url.URL, opts Options) (*Session, error) {
	if endpoint == nil {
		return nil, ErrEndpointRequired
	}

	usernameEnv := opts.UsernameEnv
	if usernameEnv == "" {
		usernameEnv = "NIX_BINARY_CACHE_USERNAME"
	}

	passwordEnv := opts.PasswordEnv
	if passwordEnv == "" {
		passwordEnv = "NIX_BINARY_CACHE_PASSWORD"
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	breaker := opts.CircuitBreaker
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout)
	}

	dt, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("unable to cast http.DefaultTransport to *http.Transport")
	}

	dt = dt.Clone()
	dt.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	dt.ResponseHeaderTimeout = timeout

	return &Session{
		endpoint:    endpoint,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(dt)},
		maxAttempts: opts.MaxAttempts,
		retryDelay:  retryDelay,
		breaker:     breaker,
		creds:       opts.Credentials,
		chain: credentialChain{
			explicit:    opts.Credentials,
			usernameEnv: usernameEnv,
			passwordEnv: passwordEnv,
			netrcPath:   opts.NetrcPath,
			prompter:    opts.Prompter,
		},
	}, nil
}

// Endpoint returns the session's base URL.
func (s *Session) Endpoint() *url.URL { return s.endpoint }

// Handshake performs GET /nix-cache-info and verifies the server's StoreDir
// matches localRoot (spec §4.C). It must be called before the session is
// used for anything else.
func (s *Session) Handshake(ctx context.Context, localRoot storepath.Root) error {
	resp, err := s.Do(ctx, http.MethodGet, "nix-cache-info", nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
	}
	defer resp.Body.Close()

	nci, err := parseNixCacheInfo(resp.Body)
	if err != nil {
		return fmt.Errorf("error parsing nix-cache-info: %w", err)
	}

	if nci.StoreDir != localRoot.Dir() {
		return fmt.Errorf("%w: local=%q remote=%q", ErrStoreDirMismatch, localRoot.Dir(), nci.StoreDir)
	}

	return nil
}

// Do issues method against path (resolved relative to the session endpoint),
// retrying transient failures with a fixed backoff and resolving
// credentials (and retrying once per newly-resolved credential set) on 401.
// A non-nil body must implement io.Seeker so it can be rewound between
// attempts; bytes.Reader satisfies this. Pass nil for GET/HEAD.
func (s *Session) Do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	u := s.endpoint.JoinPath(path).String()

	ctx, span := tracer.Start(
		ctx,
		"session.Do",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", u),
		),
	)
	defer span.End()

	logger := zerolog.Ctx(ctx).With().Str("method", method).Str("url", u).Logger()
	ctx = logger.WithContext(ctx)

	authAttempts := 0

	for attempt := 0; ; attempt++ {
		if !s.breaker.AllowRequest() {
			return nil, ErrCircuitOpen
		}

		if seeker, ok := body.(io.Seeker); ok && attempt > 0 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("error rewinding request body for retry: %w", err)
			}
		}

		resp, err := s.attempt(ctx, method, u, body, headers)
		if err != nil {
			s.breaker.RecordFailure()

			if !isRetryable(err) || !s.withinBudget(attempt) {
				return nil, err
			}

			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying after transient error")

			if waitErr := s.wait(ctx); waitErr != nil {
				return nil, waitErr
			}

			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			//nolint:errcheck
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if authAttempts >= defaultMaxAuthAttempts {
				s.breaker.RecordFailure()

				return nil, ErrUnauthorized
			}

			authAttempts++

			if err := s.reauthenticate(ctx); err != nil {
				s.breaker.RecordFailure()

				return nil, err
			}

			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError && s.withinBudget(attempt) {
			//nolint:errcheck
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			s.breaker.RecordFailure()

			logger.Warn().Int("status_code", resp.StatusCode).Int("attempt", attempt+1).Msg("retrying after server error")

			if waitErr := s.wait(ctx); waitErr != nil {
				return nil, waitErr
			}

			continue
		}

		// A 5xx that survived the retry budget is surfaced to the caller, but
		// it is still a failure as far as the breaker is concerned.
		if resp.StatusCode >= http.StatusInternalServerError {
			s.breaker.RecordFailure()
		} else {
			s.breaker.RecordSuccess()
		}

		return resp, nil
	}
}

func (s *Session) attempt(ctx context.Context, method, u string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error performing request: %w", err)
	}

	return resp, nil
}

func (s *Session) reauthenticate(ctx context.Context) error {
	creds, err := s.chain.resolve(ctx, s.endpoint.Hostname())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()

	return nil
}

func (s *Session) withinBudget(attempt int) bool {
	if s.maxAttempts <= 0 {
		return true
	}

	return attempt+1 < s.maxAttempts
}

func (s *Session) wait(ctx context.Context) error {
	t := time.NewTimer(s.retryDelay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-t.C:
		return nil
	}
}

func isRetryable(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr)
}
