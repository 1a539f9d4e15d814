// Package ai implements the chat-completion failover client used by the coach
// and training-advice features.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/wshang12/BrainTraining/internal/observability"
)

const tracerName = "github.com/wshang12/BrainTraining/internal/ai"

// Options customise a Client. Zero values select production defaults.
type Options struct {
	Policy     Policy
	Health     *HealthTracker
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Metrics    *observability.Metrics
	// Now, Rand and NewTimer exist so tests can run in simulated time.
	Now      func() time.Time
	Rand     func() float64
	NewTimer func() backoff.Timer
}

// Client delivers a completion from the first provider, in priority order,
// that answers successfully.
type Client struct {
	providers []Provider
	policy    Policy
	health    *HealthTracker
	http      *resty.Client
	limiters  map[string]*rate.Limiter
	log       logrus.FieldLogger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	rand      func() float64
	newTimer  func() backoff.Timer
}

// New validates providers and builds a Client. An empty provider list is
// allowed; Complete then fails with ErrNoProvidersAvailable.
func New(providers []Provider, opts Options) (*Client, error) {
	seen := make(map[string]bool, len(providers))
	sorted := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate provider name %s", p.Name)
		}
		seen[p.Name] = true
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	policy := opts.Policy.withDefaults()
	c := &Client{
		providers: sorted,
		policy:    policy,
		health:    opts.Health,
		limiters:  make(map[string]*rate.Limiter),
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(tracerName),
		now:       opts.Now,
		rand:      opts.Rand,
		newTimer:  opts.NewTimer,
	}
	if c.health == nil {
		c.health = NewHealthTracker(policy.FailureThreshold, policy.Cooldown)
	}
	if c.log == nil {
		c.log = observability.Discard()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.rand == nil {
		c.rand = rand.Float64
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c.http = resty.NewWithClient(hc).SetLogger(c.log).SetRetryCount(0)
	for _, p := range sorted {
		if p.RequestsPerSecond > 0 {
			burst := int(p.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
			c.limiters[p.Name] = rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
		}
	}
	return c, nil
}

// Providers returns the configured providers in the order they are tried.
func (c *Client) Providers() []Provider {
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// ProviderStatus is a read-only view of a provider and its breaker state.
type ProviderStatus struct {
	Name                string     `json:"name"`
	Model               string     `json:"model"`
	Priority            int        `json:"priority"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty" format:"date-time"`
}

// Health reports every provider in priority order.
func (c *Client) Health() []ProviderStatus {
	now := c.now()
	out := make([]ProviderStatus, 0, len(c.providers))
	for _, p := range c.providers {
		st := ProviderStatus{Name: p.Name, Model: p.Model, Priority: p.Priority, Available: c.health.Available(p.Name, now)}
		if rec, ok := c.health.Get(p.Name); ok {
			st.ConsecutiveFailures = rec.ConsecutiveFailures
			last := rec.LastFailureAt
			st.LastFailureAt = &last
		}
		out = append(out, st)
	}
	return out
}

func (c *Client) eligible(now time.Time) []Provider {
	var out []Provider
	for _, p := range c.providers {
		if c.health.Available(p.Name, now) {
			out = append(out, p)
		}
	}
	return out
}

// Complete walks the eligible providers and returns the first successful
// response. Request validation failures wrap ErrInvalidRequest; every other
// failure is a *CompletionError.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	requestID := uuid.NewString()
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "ai.Complete", trace.WithAttributes(attribute.String("ai.request_id", requestID)))
	defer span.End()
	log := c.log.WithField("request_id", requestID)

	messages, err := normalize(req)
	if err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return ChatResponse{}, err
	}

	candidates := c.eligible(start)
	if len(candidates) == 0 {
		log.Error("no chat providers available")
		c.metrics.Completion(resultLabel(ErrNoProvidersAvailable), "", elapsedSince(c.now, start))
		span.SetStatus(codes.Error, ErrNoProvidersAvailable.Error())
		return ChatResponse{}, &CompletionError{RequestID: requestID, Err: ErrNoProvidersAvailable}
	}

	var (
		last  *AttemptError
		tries int
	)
	for _, p := range candidates {
		body := completionRequest{
			Model:       p.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TopP:        req.TopP,
		}
		resp, n, aerr := c.tryProvider(ctx, p, body, log)
		tries += n
		if aerr == nil {
			c.health.RecordSuccess(p.Name)
			resp.RequestID = requestID
			resp.Attempts = tries
			c.metrics.Completion("ok", p.Name, elapsedSince(c.now, start))
			span.SetAttributes(attribute.String("ai.provider", p.Name), attribute.Int("ai.attempts", tries))
			return resp, nil
		}
		last = aerr
		if ctx.Err() != nil {
			// The caller gave up; the provider is not to blame.
			span.SetStatus(codes.Error, ctx.Err().Error())
			return ChatResponse{}, &CompletionError{RequestID: requestID, Err: ctx.Err(), Last: last}
		}
		if tripped := c.health.RecordFailure(p.Name, c.now()); tripped {
			c.metrics.ProviderTripped(p.Name)
			log.WithField("provider", p.Name).
				WithField("cooldown", c.policy.Cooldown.String()).
				Error("provider removed from rotation after consecutive failures")
		}
		log.WithField("provider", p.Name).WithError(aerr).Warn("provider exhausted retries; failing over")
	}

	c.metrics.Completion(resultLabel(ErrAllProvidersExhausted), "", elapsedSince(c.now, start))
	span.SetStatus(codes.Error, ErrAllProvidersExhausted.Error())
	return ChatResponse{}, &CompletionError{RequestID: requestID, Err: ErrAllProvidersExhausted, Last: last}
}

// tryProvider makes up to MaxRetries+1 tries against p with jittered
// exponential pauses between them. It returns the number of tries made.
func (c *Client) tryProvider(ctx context.Context, p Provider, body completionRequest, log logrus.FieldLogger) (ChatResponse, int, *AttemptError) {
	var (
		resp    ChatResponse
		last    *AttemptError
		attempt int
	)
	op := func() error {
		attempt++
		r, err := c.send(ctx, p, body, attempt)
		if err != nil {
			errors.As(err, &last)
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.WithField("provider", p.Name).
			WithField("attempt", attempt).
			WithField("wait", wait.String()).
			WithError(err).
			Warn("chat attempt failed; retrying")
	}
	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(op, retryPolicy(ctx, c.policy, c.rand, p.MaxRetries), notify, timer)
	if err == nil {
		return resp, attempt, nil
	}
	if last == nil {
		last = &AttemptError{Provider: p.Name, Attempt: attempt, Kind: KindTransport, Err: err}
	}
	return ChatResponse{}, attempt, last
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoProvidersAvailable):
		return "no_providers"
	case errors.Is(err, ErrAllProvidersExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
