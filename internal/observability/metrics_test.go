package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountersAndHandler(t *testing.T) {
	m := NewMetrics()
	m.ProviderAttempt("primary", "status")
	m.ProviderAttempt("primary", "status")
	m.ProviderTripped("primary")
	m.Completion("ok", "backup", 20*time.Millisecond)
	m.AchievementUnlocked("first_game", "common")
	m.DifficultyAdjusted("memory", 1.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.providerAttempts.WithLabelValues("primary", "status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerTrips.WithLabelValues("primary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.achievementUnlocks.WithLabelValues("first_game", "common")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "braintraining_completions_total")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ProviderAttempt("p", "ok")
	m.Completion("ok", "p", time.Second)
	assert.Nil(t, m.Registry())
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	l := NewLogger("nonsense", true)
	assert.Equal(t, "info", l.GetLevel().String())
	l = NewLogger("DEBUG", false)
	assert.Equal(t, "debug", l.GetLevel().String())
}
