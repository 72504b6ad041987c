package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/cortex/pkg/config"
)

func TestLoadFromEnvAppliesSpecDefaults(t *testing.T) {
	cfg := config.LoadFromEnv()

	require.True(t, cfg.AutoLinker.Enabled)
	require.Equal(t, 60, cfg.AutoLinker.IntervalSeconds)
	require.Equal(t, 0.75, cfg.AutoLinker.SimilarityThreshold)
	require.Equal(t, 20, cfg.AutoLinker.MaxEdgesPerNode)

	require.Equal(t, 2000, cfg.Briefing.MaxTokens)
	require.Nil(t, cfg.Briefing.Sections)

	require.Equal(t, 90, cfg.Retention.MaxAgeDays)
	require.Equal(t, 50000, cfg.Retention.MaxNodes)

	require.Equal(t, 0.2, cfg.Selection.Epsilon)
	require.Equal(t, 0.1, cfg.Selection.EMAAlpha)
	require.Equal(t, 0.4, cfg.Selection.RollbackThreshold)
	require.True(t, cfg.Selection.RollbackEnabled)
	require.Equal(t, 10, cfg.Selection.RollbackWindow)

	require.Equal(t, 384, cfg.Embedding.Dimensions)
}

func TestLoadFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("CORTEX_AUTO_LINKER_ENABLED", "false")
	t.Setenv("CORTEX_BRIEFING_MAX_TOKENS", "500")
	t.Setenv("CORTEX_BRIEFING_SECTIONS", "summary, facts ,relations")
	t.Setenv("CORTEX_RETENTION_MAX_NODES", "100")
	t.Setenv("CORTEX_SELECTION_EPSILON", "0.5")
	t.Setenv("CORTEX_SELECTION_ROLLBACK_THRESHOLD", "0.6")
	t.Setenv("CORTEX_SELECTION_ROLLBACK_ENABLED", "false")
	t.Setenv("CORTEX_SELECTION_ROLLBACK_WINDOW", "5")

	cfg := config.LoadFromEnv()

	require.False(t, cfg.AutoLinker.Enabled)
	require.Equal(t, 500, cfg.Briefing.MaxTokens)
	require.Equal(t, []string{"summary", "facts", "relations"}, cfg.Briefing.Sections)
	require.Equal(t, 100, cfg.Retention.MaxNodes)
	require.Equal(t, 0.5, cfg.Selection.Epsilon)
	require.Equal(t, 0.6, cfg.Selection.RollbackThreshold)
	require.False(t, cfg.Selection.RollbackEnabled)
	require.Equal(t, 5, cfg.Selection.RollbackWindow)
}

func TestRetentionMaxAgeConvertsDaysToDuration(t *testing.T) {
	r := config.RetentionConfig{MaxAgeDays: 90}
	require.Equal(t, 90*24*time.Hour, r.MaxAge())
}

func TestAutoLinkerIntervalDurationConvertsSecondsToDuration(t *testing.T) {
	a := config.AutoLinkerConfig{IntervalSeconds: 60}
	require.Equal(t, 60*time.Second, a.IntervalDuration())
}
