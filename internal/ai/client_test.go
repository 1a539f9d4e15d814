package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	srv    *httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []completionRequest
	auth   []string
}

// newFakeProvider serves /chat/completions; fail decides per hit (1-based)
// whether to answer with status 500.
func newFakeProvider(t *testing.T, content string, fail func(hit int) bool) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit := int(fp.hits.Add(1))
		var body completionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		fp.mu.Lock()
		fp.bodies = append(fp.bodies, body)
		fp.auth = append(fp.auth, r.Header.Get("Authorization"))
		fp.mu.Unlock()
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if fail != nil && fail(hit) {
			http.Error(w, `{"error":"upstream down"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": body.Model,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		})
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) requests() ([]completionRequest, []string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]completionRequest(nil), fp.bodies...), append([]string(nil), fp.auth...)
}

func always(int) bool { return true }

type recordingTimer struct {
	c     chan time.Time
	mu    *sync.Mutex
	waits *[]time.Duration
}

func (t recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.waits = append(*t.waits, d)
	t.mu.Unlock()
	t.c <- time.Time{}
}
func (t recordingTimer) Stop()               {}
func (t recordingTimer) C() <-chan time.Time { return t.c }

type harness struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) options() Options {
	var mu sync.Mutex
	return Options{
		Now:  h.clock,
		Rand: func() float64 { return 1 },
		NewTimer: func() backoff.Timer {
			return recordingTimer{c: make(chan time.Time, 1), mu: &mu, waits: &h.waits}
		},
	}
}

func newHarness() *harness {
	return &harness{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func userRequest(text string) ChatRequest {
	return ChatRequest{Messages: []Message{{Role: RoleUser, Content: text}}}
}

func provider(name string, priority, retries int, url string) Provider {
	return Provider{Name: name, BaseURL: url, Model: name + "-model", APIKey: "key-" + name, Priority: priority, Timeout: time.Second, MaxRetries: retries}
}

func TestCompletePrefersLowestPriority(t *testing.T) {
	a := newFakeProvider(t, "from a", nil)
	b := newFakeProvider(t, "from b", nil)
	h := newHarness()
	c, err := New([]Provider{
		provider("b", 2, 0, b.srv.URL),
		provider("a", 1, 0, a.srv.URL),
	}, h.options())
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Content)
	assert.Equal(t, "a", resp.ProviderName)
	assert.Equal(t, "a-model", resp.Model)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.EqualValues(t, 0, b.hits.Load())
	_, auth := a.requests()
	assert.Equal(t, []string{"Bearer key-a"}, auth)
}

func TestFailoverAfterRetriesAreExhausted(t *testing.T) {
	a := newFakeProvider(t, "", always)
	b := newFakeProvider(t, "from b", nil)
	h := newHarness()
	c, err := New([]Provider{
		provider("a", 1, 1, a.srv.URL),
		provider("b", 2, 0, b.srv.URL),
	}, h.options())
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "b", resp.ProviderName)
	assert.Equal(t, 3, resp.Attempts)
	assert.EqualValues(t, 2, a.hits.Load())

	rec, ok := c.health.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	assert.Equal(t, h.clock(), rec.LastFailureAt)
	assert.True(t, c.health.Available("a", h.clock()), "one failure must not trip the breaker")
	_, ok = c.health.Get("b")
	assert.False(t, ok)
}

func TestMaxRetriesBoundsTriesAndWaits(t *testing.T) {
	a := newFakeProvider(t, "", always)
	h := newHarness()
	opts := h.options()
	opts.Policy = Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, BackoffMultiplier: 2}
	c, err := New([]Provider{provider("a", 1, 3, a.srv.URL)}, opts)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), userRequest("hi"))
	require.Error(t, err)
	assert.EqualValues(t, 4, a.hits.Load())
	// No pause after the last try; the third pause is capped at MaxDelay.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, h.waits)
}

func TestBreakerTripsAndProbesAfterCooldown(t *testing.T) {
	a := newFakeProvider(t, "", always)
	b := newFakeProvider(t, "from b", nil)
	h := newHarness()
	c, err := New([]Provider{
		provider("a", 1, 0, a.srv.URL),
		provider("b", 2, 0, b.srv.URL),
	}, h.options())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Complete(ctx, userRequest("hi"))
		require.NoError(t, err)
		h.advance(time.Second)
	}
	require.EqualValues(t, 3, a.hits.Load())

	// Tripped: skipped for the cooldown window.
	_, err = c.Complete(ctx, userRequest("hi"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, a.hits.Load())

	h.advance(56 * time.Second) // 57s after the third failure
	_, err = c.Complete(ctx, userRequest("hi"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, a.hits.Load())

	h.advance(4 * time.Second) // cooldown elapsed: exactly one probe
	_, err = c.Complete(ctx, userRequest("hi"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, a.hits.Load())

	rec, _ := c.health.Get("a")
	assert.Equal(t, 4, rec.ConsecutiveFailures)
	_, err = c.Complete(ctx, userRequest("hi"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, a.hits.Load(), "a failed probe restarts the cooldown")
}

func TestSuccessClearsHealthRecord(t *testing.T) {
	a := newFakeProvider(t, "recovered", func(hit int) bool { return hit <= 2 })
	h := newHarness()
	c, err := New([]Provider{provider("a", 1, 0, a.srv.URL)}, h.options())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Complete(ctx, userRequest("hi"))
		require.ErrorIs(t, err, ErrAllProvidersExhausted)
	}
	rec, ok := c.health.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, rec.ConsecutiveFailures)

	resp, err := c.Complete(ctx, userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	_, ok = c.health.Get("a")
	assert.False(t, ok)
}

func TestNoProvidersAvailable(t *testing.T) {
	c, err := New(nil, newHarness().options())
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, ErrNoProvidersAvailable)

	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Nil(t, cerr.Last)
}

func TestAllTrippedProvidersMeansNoneAvailable(t *testing.T) {
	a := newFakeProvider(t, "", always)
	h := newHarness()
	opts := h.options()
	opts.Policy = Policy{FailureThreshold: 1, Cooldown: time.Minute}
	c, err := New([]Provider{provider("a", 1, 0, a.srv.URL)}, opts)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	_, err = c.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, ErrNoProvidersAvailable)
	assert.EqualValues(t, 1, a.hits.Load())
}

func TestExhaustedErrorCarriesLastCause(t *testing.T) {
	a := newFakeProvider(t, "", always)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":`))
	}))
	defer bad.Close()
	c, err := New([]Provider{
		provider("a", 1, 0, a.srv.URL),
		provider("bad", 2, 0, bad.URL),
	}, newHarness().options())
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), userRequest("hi"))
	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	var aerr *AttemptError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "bad", aerr.Provider)
	assert.Equal(t, KindMalformedResponse, aerr.Kind)
}

func TestNonSuccessStatusIsClassified(t *testing.T) {
	a := newFakeProvider(t, "", always)
	c, err := New([]Provider{provider("a", 1, 0, a.srv.URL)}, newHarness().options())
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), userRequest("hi"))
	var aerr *AttemptError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindStatus, aerr.Kind)
	assert.Equal(t, http.StatusInternalServerError, aerr.StatusCode)
}

func TestAttemptTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	p := provider("slow", 1, 0, slow.URL)
	p.Timeout = 50 * time.Millisecond
	c, err := New([]Provider{p}, newHarness().options())
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), userRequest("hi"))
	var aerr *AttemptError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindTimeout, aerr.Kind)
}

func TestCallerCancellationDoesNotPenalizeProvider(t *testing.T) {
	a := newFakeProvider(t, "", always)
	c, err := New([]Provider{provider("a", 1, 0, a.srv.URL)}, newHarness().options())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Complete(ctx, userRequest("hi"))
	require.ErrorIs(t, err, context.Canceled)
	_, ok := c.health.Get("a")
	assert.False(t, ok)
}

func TestSystemPromptIsPrependedOnce(t *testing.T) {
	a := newFakeProvider(t, "ok", nil)
	c, err := New([]Provider{provider("a", 1, 0, a.srv.URL)}, newHarness().options())
	require.NoError(t, err)
	ctx := context.Background()
	temp, maxTokens := 0.4, 200

	_, err = c.Complete(ctx, ChatRequest{
		Messages:         []Message{{Role: RoleUser, Content: "how am I doing?"}},
		SystemPromptKind: PromptGeneralChat,
		Temperature:      &temp,
		MaxTokens:        &maxTokens,
	})
	require.NoError(t, err)
	_, err = c.Complete(ctx, ChatRequest{
		Messages:         []Message{{Role: RoleSystem, Content: "custom"}, {Role: RoleUser, Content: "hi"}},
		SystemPromptKind: PromptGeneralChat,
	})
	require.NoError(t, err)

	bodies, _ := a.requests()
	require.Len(t, bodies, 2)
	first := bodies[0]
	coach, _ := SystemPrompt(PromptGeneralChat)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, Message{Role: RoleSystem, Content: coach}, first.Messages[0])
	assert.Equal(t, "a-model", first.Model)
	assert.False(t, first.Stream)
	require.NotNil(t, first.MaxTokens)
	assert.Equal(t, 200, *first.MaxTokens)

	second := bodies[1]
	require.Len(t, second.Messages, 2)
	assert.Equal(t, "custom", second.Messages[0].Content)
}

func TestInvalidRequestsAreRejectedBeforeAnyCall(t *testing.T) {
	a := newFakeProvider(t, "ok", nil)
	c, err := New([]Provider{provider("a", 1, 0, a.srv.URL)}, newHarness().options())
	require.NoError(t, err)
	hot, zero := 2.5, 0

	cases := []ChatRequest{
		{},
		{Messages: []Message{{Role: "tool", Content: "x"}}},
		{Messages: []Message{{Role: RoleUser, Content: "x"}}, Temperature: &hot},
		{Messages: []Message{{Role: RoleUser, Content: "x"}}, MaxTokens: &zero},
		{Messages: []Message{{Role: RoleUser, Content: "x"}}, SystemPromptKind: "pirate"},
	}
	for _, req := range cases {
		_, err := c.Complete(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.EqualValues(t, 0, a.hits.Load())
}

func TestNewRejectsBadProviders(t *testing.T) {
	_, err := New([]Provider{provider("a", 1, 0, "http://x"), provider("a", 2, 0, "http://y")}, Options{})
	require.Error(t, err)
	_, err = New([]Provider{{Name: "a", BaseURL: "http://x"}}, Options{})
	require.Error(t, err)
	_, err = New([]Provider{{Name: "a", BaseURL: "http://x", Model: "m", MaxRetries: -1}}, Options{})
	require.Error(t, err)
}

func TestHealthSnapshotOrder(t *testing.T) {
	a := newFakeProvider(t, "", always)
	z := newFakeProvider(t, "from z", nil)
	h := newHarness()
	c, err := New([]Provider{provider("z", 5, 0, z.srv.URL), provider("a", 1, 0, a.srv.URL)}, h.options())
	require.NoError(t, err)
	_, _ = c.Complete(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})

	st := c.Health()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].Name)
	assert.Equal(t, 1, st[0].ConsecutiveFailures)
	require.NotNil(t, st[0].LastFailureAt)
	assert.True(t, st[0].Available)
	assert.Equal(t, "z", st[1].Name)
	assert.Nil(t, st[1].LastFailureAt)
	assert.True(t, errors.Is(&CompletionError{Err: ErrAllProvidersExhausted}, ErrAllProvidersExhausted))
}
