package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/oauth2"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

// DispatcherOptions are the optional collaborators of a Dispatcher.
type DispatcherOptions struct {
	HTTPClient    *http.Client
	TokenSource   oauth2.TokenSource
	CaptchaSolver CaptchaSolver
	StepUp        StepUpHandler
	Events        *EventBus

	// RejectOnRateLimit, when it returns true, makes the submission fail
	// with a RateLimitError instead of waiting.
	RejectOnRateLimit func(*RateLimitEvent) bool

	// Properties is the client descriptor sent as X-Super-Properties by
	// user accounts.
	Properties *discord.IdentifyProperties
}

// Dispatcher serializes REST requests per route and keeps them inside the
// per route and global rate limits.
type Dispatcher struct {
	Logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	client      *http.Client
	tokenSource oauth2.TokenSource
	captcha     CaptchaSolver
	stepUp      StepUpHandler
	events      *EventBus
	global      *GlobalLimiter
	mutations   *rate.Limiter

	rejectOnRateLimit func(*RateLimitEvent) bool

	bucketsMu sync.Mutex
	buckets   map[string]*bucket

	invalid invalidRequestCounter
	backoff Backoff

	closed *atomic.Bool

	now func() time.Time

	token           string
	locale          string
	superProperties string

	config RESTConfiguration
}

// NewDispatcher creates a dispatcher. Call Start to begin sweeping idle
// buckets and Close to cancel every pending submission.
func NewDispatcher(logger zerolog.Logger, token string, config RESTConfiguration, options DispatcherOptions) *Dispatcher {
	config.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		Logger: logger.With().Str("component", "rest").Logger(),

		ctx:    ctx,
		cancel: cancel,

		client:      options.HTTPClient,
		tokenSource: options.TokenSource,
		captcha:     options.CaptchaSolver,
		stepUp:      options.StepUp,
		events:      options.Events,
		global:      NewGlobalLimiter(config.GlobalRateLimit),

		rejectOnRateLimit: options.RejectOnRateLimit,

		buckets: make(map[string]*bucket),
		backoff: restBackoff,
		closed:  atomic.NewBool(false),
		now:     time.Now,

		token:  token,
		config: config,
	}

	if d.client == nil {
		d.client = http.DefaultClient
	}

	if config.MutationSpacing > 0 {
		d.mutations = rate.NewLimiter(rate.Every(config.MutationSpacing), 1)
	}

	if config.Locale != "" {
		if tag, err := language.Parse(config.Locale); err == nil {
			d.locale = tag.String()
		}
	}

	if config.AuthMode == AuthModeUser && options.Properties != nil {
		d.superProperties = encodeSuperProperties(map[string]interface{}{
			"os":                 options.Properties.OS,
			"browser":            options.Properties.Browser,
			"device":             options.Properties.Device,
			"browser_user_agent": config.UserAgent,
			"system_locale":      d.locale,
		})
	}

	return d
}

// Start runs the idle bucket sweeper until the dispatcher is closed.
func (d *Dispatcher) Start() {
	go func() {
		ticker := time.NewTicker(d.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if swept := d.sweep(); swept > 0 {
					d.Logger.Debug().Int("swept", swept).Msg("Swept inactive buckets")
					d.events.Emit(EventDebug, "", &DebugEvent{
						Component: "rest",
						Message:   "swept " + strconv.Itoa(swept) + " inactive buckets",
					})
				}
			}
		}
	}()
}

// Close cancels every pending submission. Later submissions fail with
// ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	if d.closed.CompareAndSwap(false, true) {
		d.cancel()
	}
}

// Submit runs a request through its bucket and returns the response, or a
// typed error once no further retry is allowed.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Response, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}

	s, err := newSubmission(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	b := d.acquireBucket(s)
	defer d.releaseBucket(b)

	d.events.Emit(EventRequestQueued, s.attempt.id, &RequestEvent{
		Method:   req.Method,
		Path:     s.path,
		Route:    s.route,
		Priority: req.Priority,
	})

	if err = b.queue.wait(ctx, req.Priority); err != nil {
		return nil, d.contextError(ctx)
	}

	defer b.queue.shift()

	if d.mutations != nil && isMutation(req.Method) {
		if err = d.mutations.Wait(ctx); err != nil {
			return nil, d.contextError(ctx)
		}
	}

	return d.execute(ctx, b, s)
}

// Do submits the request and decodes the response body into v. A nil v
// discards the body.
func (d *Dispatcher) Do(ctx context.Context, req *Request, v interface{}) error {
	resp, err := d.Submit(ctx, req)
	if err != nil {
		return err
	}

	if v == nil {
		return nil
	}

	return resp.Decode(v)
}

// Buckets returns a snapshot of every live bucket.
func (d *Dispatcher) Buckets() []BucketState {
	d.bucketsMu.Lock()
	defer d.bucketsMu.Unlock()

	states := make([]BucketState, 0, len(d.buckets))

	for _, b := range d.buckets {
		states = append(states, b.state())
	}

	return states
}

// GlobalState returns a snapshot of the global limiter.
func (d *Dispatcher) GlobalState() GlobalState {
	return d.global.State()
}

func (d *Dispatcher) acquireBucket(s *submission) *bucket {
	d.bucketsMu.Lock()
	defer d.bucketsMu.Unlock()

	b, ok := d.buckets[s.key]
	if !ok {
		b = newBucket(s.key, s.route)
		d.buckets[s.key] = b

		paniniRESTBuckets.Set(float64(len(d.buckets)))
	}

	b.pending++

	return b
}

func (d *Dispatcher) releaseBucket(b *bucket) {
	d.bucketsMu.Lock()
	b.pending--
	d.bucketsMu.Unlock()
}

// sweep removes buckets with nothing queued that are not rate limited.
func (d *Dispatcher) sweep() int {
	d.bucketsMu.Lock()
	defer d.bucketsMu.Unlock()

	now := d.now()
	swept := 0

	for key, b := range d.buckets {
		if b.inactive(now) {
			delete(d.buckets, key)

			swept++
		}
	}

	paniniRESTBuckets.Set(float64(len(d.buckets)))

	return swept
}

// execute performs the request until it succeeds or a bound is reached.
// Retries keep the bucket, so later submissions never overtake it.
func (d *Dispatcher) execute(ctx context.Context, b *bucket, s *submission) (*Response, error) {
	for {
		if err := d.waitForCapacity(ctx, b, s); err != nil {
			return nil, err
		}

		resp, body, duration, err := d.roundTrip(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, d.contextError(ctx)
			}

			if s.attempt.retries >= d.config.RetryLimit {
				return nil, &TransportError{
					Err:     err,
					Method:  s.req.Method,
					Path:    s.path,
					Retries: s.attempt.retries,
				}
			}

			delay := d.backoff.Duration(s.attempt.retries)
			s.attempt.retries++

			d.Logger.Warn().Err(err).
				Str("route", s.route).
				Int("retries", s.attempt.retries).
				Dur("backoff", delay).
				Msg("Request failed, retrying")

			if err = sleepContext(ctx, delay); err != nil {
				return nil, d.contextError(ctx)
			}

			continue
		}

		now := d.now()
		status := resp.StatusCode

		paniniRESTRequests.WithLabelValues(s.req.Method, s.route, strconv.Itoa(status)).Inc()
		paniniRESTRequestDuration.WithLabelValues(s.route).Observe(duration.Seconds())

		d.events.Emit(EventAPIResponse, s.attempt.id, &RequestEvent{
			Method:     s.req.Method,
			Path:       s.path,
			Route:      s.route,
			Priority:   s.req.Priority,
			Retries:    s.attempt.retries,
			StatusCode: status,
			Duration:   duration,
		})

		rl := parseRateLimitHeaders(resp.Header, s.route, now)
		if status == http.StatusTooManyRequests {
			rl.mergeBody(body)
		}

		b.update(rl)

		var sublimit, globalDelay time.Duration

		if status == http.StatusTooManyRequests && rl.retryAfter > 0 {
			if rl.global {
				globalDelay = rl.retryAfter + jitter(d.backoff.Jitter)
				d.global.hit(now, globalDelay)
			} else if !b.limited(now) {
				sublimit = rl.retryAfter + jitter(d.backoff.Jitter)
			}
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests {
			d.countInvalidRequest(now)
		}

		switch {
		case status >= 200 && status < 300:
			b.resetServerErrors()

			return &Response{Header: resp.Header, Body: body, StatusCode: status}, nil
		case status == http.StatusTooManyRequests:
			timeout := sublimit

			switch {
			case rl.global:
				timeout = globalDelay
			case timeout == 0:
				timeout = max(b.timeToReset(now), 0)
			}

			if err = d.onRateLimited(s, b, timeout, rl.global); err != nil {
				return nil, err
			}

			s.attempt.rateLimited = true

			switch now = d.now(); {
			case sublimit > 0:
				err = sleepContext(ctx, sublimit)
			case !b.limited(now) && !d.global.Limited(now):
				// Nothing else will hold the next attempt back.
				err = sleepContext(ctx, d.backoff.Duration(0))
			}

			if err != nil {
				return nil, d.contextError(ctx)
			}

			continue
		case status >= 500:
			if s.attempt.retries >= d.config.RetryLimit || b.serverErrorCount() >= d.config.ServerErrorRetryLimit {
				return nil, &ServerError{
					Method:     s.req.Method,
					Path:       s.path,
					Status:     resp.Status,
					StatusCode: status,
					Retries:    s.attempt.retries,
				}
			}

			delay := d.backoff.Duration(b.serverError() - 1)
			s.attempt.retries++

			d.Logger.Warn().
				Str("route", s.route).
				Int("status", status).
				Int("retries", s.attempt.retries).
				Dur("backoff", delay).
				Msg("Received server error, retrying")

			if err = sleepContext(ctx, delay); err != nil {
				return nil, d.contextError(ctx)
			}

			continue
		case status >= 400:
			var errorBody *discord.ErrorMessage

			if len(body) > 0 {
				decoded := &discord.ErrorMessage{}
				if json.Unmarshal(body, decoded) == nil {
					errorBody = decoded
				}
			}

			retry, err := d.resolveChallenge(ctx, s, errorBody)
			if err != nil {
				if ctx.Err() != nil {
					return nil, d.contextError(ctx)
				}

				return nil, err
			}

			if retry {
				continue
			}

			apiErr := newAPIError(s.req.Method, s.path, status, s.attempt.retries, errorBody, s.body)
			if errorBody == nil {
				apiErr.Message = http.StatusText(status)
			}

			return nil, apiErr
		default:
			return &Response{Header: resp.Header, Body: body, StatusCode: status}, nil
		}
	}
}

// roundTrip performs one HTTP exchange and reads the whole body.
func (d *Dispatcher) roundTrip(ctx context.Context, s *submission) (*http.Response, []byte, time.Duration, error) {
	timeout := s.req.Timeout
	if timeout <= 0 {
		timeout = d.config.RequestTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := d.newHTTPRequest(ctx, s)
	if err != nil {
		return nil, nil, 0, err
	}

	d.events.Emit(EventAPIRequest, s.attempt.id, &RequestEvent{
		Method:   s.req.Method,
		Path:     s.path,
		Route:    s.route,
		Priority: s.req.Priority,
		Retries:  s.attempt.retries,
	})

	start := time.Now()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, time.Since(start), err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, time.Since(start), fmt.Errorf("failed to read response body: %w", err)
	}

	return resp, body, time.Since(start), nil
}

// waitForCapacity blocks until both the bucket and the global limiter
// allow the request, then takes one request from each.
func (d *Dispatcher) waitForCapacity(ctx context.Context, b *bucket, s *submission) error {
	for {
		now := d.now()

		if b.limited(now) {
			timeout := b.timeToReset(now) + d.config.TimeOffset

			if err := d.reportWait(s, b, timeout, false); err != nil {
				return err
			}

			if err := sleepContext(ctx, timeout); err != nil {
				return d.contextError(ctx)
			}

			continue
		}

		ok, wait := d.global.acquire(now)
		if !ok {
			timeout := wait + d.config.TimeOffset

			if err := d.reportWait(s, b, timeout, true); err != nil {
				return err
			}

			if err := d.global.wait(ctx, timeout); err != nil {
				return d.contextError(ctx)
			}

			continue
		}

		s.attempt.rateLimited = false

		b.take()

		return nil
	}
}

// reportWait reports a limiter wait unless it follows a 429 that was
// already reported.
func (d *Dispatcher) reportWait(s *submission, b *bucket, timeout time.Duration, global bool) error {
	if s.attempt.rateLimited {
		s.attempt.rateLimited = false

		return nil
	}

	return d.onRateLimited(s, b, timeout, global)
}

// onRateLimited reports a rate limit wait and returns a RateLimitError if
// the submission should not wait.
func (d *Dispatcher) onRateLimited(s *submission, b *bucket, timeout time.Duration, global bool) error {
	state := b.state()

	event := &RateLimitEvent{
		Method:  s.req.Method,
		Path:    s.path,
		Route:   s.route,
		Bucket:  state.Hash,
		Timeout: timeout,
		Limit:   state.Limit,
		Global:  global,
	}

	if global {
		event.Limit = d.config.GlobalRateLimit
	}

	paniniRESTRateLimits.WithLabelValues(s.route, strconv.FormatBool(global)).Inc()

	d.Logger.Debug().
		Str("route", s.route).
		Bool("global", global).
		Dur("timeout", timeout).
		Msg("Rate limited")

	d.events.Emit(EventRateLimit, s.attempt.id, event)

	if d.shouldReject(event) {
		return &RateLimitError{
			Method:  event.Method,
			Path:    event.Path,
			Route:   event.Route,
			Bucket:  event.Bucket,
			Timeout: event.Timeout,
			Limit:   event.Limit,
			Global:  event.Global,
		}
	}

	return nil
}

func (d *Dispatcher) shouldReject(event *RateLimitEvent) bool {
	if d.rejectOnRateLimit != nil {
		return d.rejectOnRateLimit(event)
	}

	for _, prefix := range d.config.RejectOnRateLimit {
		if strings.HasPrefix(strings.ToLower(event.Route), strings.ToLower(prefix)) {
			return true
		}
	}

	return false
}

func (d *Dispatcher) countInvalidRequest(now time.Time) {
	count, remaining := d.invalid.hit(now)

	interval := d.config.InvalidRequestWarningInterval
	if interval <= 0 || count%interval != 0 {
		return
	}

	d.Logger.Warn().
		Int("count", count).
		Dur("remaining", remaining).
		Msg("Invalid requests are approaching the limit")

	d.events.Emit(EventInvalidRequestWarning, "", &InvalidRequestWarningEvent{
		Count:         count,
		RemainingTime: remaining,
	})
}

// contextError returns ErrDispatcherClosed if the dispatcher was closed,
// otherwise the context's error.
func (d *Dispatcher) contextError(ctx context.Context) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return context.Canceled
}

func isMutation(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
