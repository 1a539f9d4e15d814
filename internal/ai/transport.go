package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func completionsURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/chat/completions"
}

// send performs one bounded POST to p. The returned error is always an
// *AttemptError so the retry loop can classify it.
func (c *Client) send(ctx context.Context, p Provider, body completionRequest, attempt int) (ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "ai.attempt", trace.WithAttributes(
		attribute.String("ai.provider", p.Name),
		attribute.String("ai.model", p.Model),
		attribute.Int("ai.attempt", attempt),
	))
	defer span.End()

	resp, aerr := c.roundTrip(ctx, p, body, attempt)
	if aerr != nil {
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Kind))
		c.metrics.ProviderAttempt(p.Name, string(aerr.Kind))
		return ChatResponse{}, aerr
	}
	c.metrics.ProviderAttempt(p.Name, "ok")
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, p Provider, body completionRequest, attempt int) (ChatResponse, *AttemptError) {
	fail := func(kind FailureKind, status int, err error) (ChatResponse, *AttemptError) {
		return ChatResponse{}, &AttemptError{Provider: p.Name, Attempt: attempt, Kind: kind, StatusCode: status, Err: err}
	}
	if lim := c.limiters[p.Name]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fail(KindTransport, 0, fmt.Errorf("rate limiter: %w", err))
		}
	}
	attemptCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req := c.http.R().
		SetContext(attemptCtx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(body)
	if p.APIKey != "" {
		req.SetAuthToken(p.APIKey)
	}
	res, err := req.Post(completionsURL(p.BaseURL))
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fail(KindTimeout, 0, fmt.Errorf("no response within %s", p.Timeout))
		}
		return fail(KindTransport, 0, err)
	}
	if !res.IsSuccess() {
		return fail(KindStatus, res.StatusCode(), errors.New(snippet(res.Body(), 256)))
	}
	var out completionResponse
	if err := json.Unmarshal(res.Body(), &out); err != nil {
		return fail(KindMalformedResponse, res.StatusCode(), err)
	}
	if len(out.Choices) == 0 {
		return fail(KindMalformedResponse, res.StatusCode(), errors.New("response has no choices"))
	}
	model := out.Model
	if model == "" {
		model = p.Model
	}
	return ChatResponse{
		Content:      out.Choices[0].Message.Content,
		ProviderName: p.Name,
		Model:        model,
		Usage:        out.Usage,
	}, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty body"
	}
	return s
}

// elapsedSince guards against a clock that moves backwards in tests.
func elapsedSince(now func() time.Time, start time.Time) time.Duration {
	d := now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
