package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry so several
// instances (tests, multiple servers) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	providerAttempts   *prometheus.CounterVec
	providerTrips      *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	completions        *prometheus.CounterVec
	difficultyValue    *prometheus.HistogramVec
	achievementUnlocks *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		providerAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "braintraining_provider_attempts_total",
			Help: "Chat completion attempts per provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "braintraining_provider_breaker_trips_total",
			Help: "Times a provider reached the consecutive failure threshold.",
		}, []string{"provider"}),
		completionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "braintraining_completion_duration_seconds",
			Help:    "End-to-end duration of failover completions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "braintraining_completions_total",
			Help: "Failover completions by serving provider, or error kind on failure.",
		}, []string{"result", "provider"}),
		difficultyValue: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "braintraining_difficulty_value",
			Help:    "Difficulty values written after sessions.",
			Buckets: []float64{0.2, 0.4, 0.6, 0.8, 1.0, 1.2, 1.4, 1.6, 1.8},
		}, []string{"game_id"}),
		achievementUnlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "braintraining_achievement_unlocks_total",
			Help: "Achievements unlocked by id.",
		}, []string{"achievement_id", "rarity"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProviderAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.providerAttempts.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ProviderTripped(provider string) {
	if m == nil {
		return
	}
	m.providerTrips.WithLabelValues(provider).Inc()
}

func (m *Metrics) Completion(result, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result, provider).Inc()
	m.completionDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) DifficultyAdjusted(gameID string, value float64) {
	if m == nil {
		return
	}
	m.difficultyValue.WithLabelValues(gameID).Observe(value)
}

func (m *Metrics) AchievementUnlocked(id, rarity string) {
	if m == nil {
		return
	}
	m.achievementUnlocks.WithLabelValues(id, rarity).Inc()
}
