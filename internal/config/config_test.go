package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wshang12/BrainTraining/internal/achievement"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 3)
	assert.Equal(t, "cerebras", cfg.Providers[0].Name)
	assert.Equal(t, 30*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, 60*time.Second, cfg.AIPolicy().Cooldown)
	assert.Equal(t, 3, cfg.AIPolicy().FailureThreshold)
	assert.Equal(t, 1.8, cfg.DifficultyParams().Max)
	assert.Len(t, cfg.Achievements, len(achievement.DefaultCatalog()))
}

func TestAPIKeyEnvExpansion(t *testing.T) {
	t.Setenv("BT_TEST_KEY", "sk-123")
	cfg, err := FromYAML([]byte(`
providers:
  - name: p
    base_url: http://localhost
    model: m
    api_key: ${BT_TEST_KEY}
`))
	require.NoError(t, err)
	providers := cfg.AIProviders()
	require.Len(t, providers, 1)
	assert.Equal(t, "sk-123", providers[0].APIKey)
	assert.Equal(t, 30*time.Second, providers[0].Timeout)
}

func TestMissingSectionsTakeDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)
	assert.Equal(t, time.Second, cfg.Failover.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Failover.MaxDelay)
	assert.Equal(t, 0.7, cfg.Difficulty.Default)
	assert.Equal(t, 0.8, cfg.Difficulty.TargetAccuracy)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate provider": `
providers:
  - {name: a, base_url: http://x, model: m}
  - {name: a, base_url: http://y, model: m}
`,
		"missing model":    "providers:\n  - {name: a, base_url: http://x}\n",
		"negative retries": "providers:\n  - {name: a, base_url: http://x, model: m, max_retries: -1}\n",
		"multiplier":       "failover:\n  backoff_multiplier: -2\n",
		"difficulty range": "difficulty:\n  min: 1.5\n  max: 1.2\n  default: 1.3\n",
		"bad achievement": `
achievements:
  - id: x
    rarity: common
    condition: {type: special}
`,
		"webhook url":   "webhooks:\n  - url: ftp://x\n",
		"unknown field": "providerz: []\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestCustomCatalogWithSpecialCondition(t *testing.T) {
	cfg, err := FromYAML([]byte(`
achievements:
  - id: owl
    title: Owl
    rarity: rare
    points: 5
    condition:
      type: special
      special:
        time_window: {start_hour: 22, end_hour: 2}
`))
	require.NoError(t, err)
	require.Len(t, cfg.Achievements, 1)
	w := cfg.Achievements[0].Condition.Special.TimeWindow
	require.NotNil(t, w)
	assert.Equal(t, 22, w.StartHour)
	assert.Equal(t, 2, w.EndHour)
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 3)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("log:\n  json: true\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Log.JSON)
}

func TestWebhookEnabledDefault(t *testing.T) {
	off := false
	assert.True(t, WebhookConfig{}.IsEnabled())
	assert.False(t, WebhookConfig{Enabled: &off}.IsEnabled())
}
