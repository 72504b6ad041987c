// Package config loads Cortex's engine configuration from environment
// variables, in the teacher's getEnv*/LoadFromEnv idiom: every key has
// a typed accessor with a built-in default, no file format is parsed,
// and the whole tree can be constructed in one call for a host process
// to wire into the Graph Engine, Auto-Linker, Briefing Engine, and
// Selector.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EngineConfig holds every tunable named in the spec's configuration
// table, grouped by the subsystem that owns it.
type EngineConfig struct {
	Storage    StorageConfig
	Embedding  EmbeddingConfig
	AutoLinker AutoLinkerConfig
	Briefing   BriefingConfig
	Retention  RetentionConfig
	Selection  SelectionConfig
}

// StorageConfig controls the storage engine's on-disk location.
type StorageConfig struct {
	// DataDir is the directory BadgerEngine opens. Empty means
	// in-memory only (storage.NewMemoryEngine / NewBadgerEngineInMemory).
	DataDir string
}

// EmbeddingConfig controls the embedder and vector index dimensions.
type EmbeddingConfig struct {
	Dimensions int
}

// AutoLinkerConfig is the `auto_linker.*` table.
type AutoLinkerConfig struct {
	Enabled             bool
	IntervalSeconds     int
	SimilarityThreshold float64
	MaxEdgesPerNode     int
}

// BriefingConfig is the `briefing.*` table. An empty Sections means
// "all sections" per spec.md's default. PreWarmAgents isn't named in
// spec.md's config table, only described in prose ("for each agent id
// in pre_warm_agents config, render a default briefing at startup");
// an empty list means no pre-warming.
type BriefingConfig struct {
	MaxTokens     int
	Sections      []string
	PreWarmAgents []string
}

// RetentionConfig is the `retention.*` table.
type RetentionConfig struct {
	MaxAgeDays int
	MaxNodes   int
}

// SelectionConfig is the `selection.*` table. RollbackThreshold and
// RollbackEnabled aren't named in spec.md's config table, only
// described in prose ("auto-rollback may be disabled in config"); see
// DESIGN.md's Open Question decisions for the chosen defaults.
type SelectionConfig struct {
	Epsilon           float64
	EMAAlpha          float64
	RollbackThreshold float64
	RollbackEnabled   bool
	RollbackWindow    int
}

// LoadFromEnv builds an EngineConfig from environment variables,
// falling back to spec defaults for anything unset.
func LoadFromEnv() *EngineConfig {
	cfg := &EngineConfig{}

	cfg.Storage.DataDir = getEnv("CORTEX_DATA_DIR", "")

	cfg.Embedding.Dimensions = getEnvInt("CORTEX_EMBEDDING_DIMENSIONS", 384)

	cfg.AutoLinker.Enabled = getEnvBool("CORTEX_AUTO_LINKER_ENABLED", true)
	cfg.AutoLinker.IntervalSeconds = getEnvInt("CORTEX_AUTO_LINKER_INTERVAL_SECONDS", 60)
	cfg.AutoLinker.SimilarityThreshold = getEnvFloat("CORTEX_AUTO_LINKER_SIMILARITY_THRESHOLD", 0.75)
	cfg.AutoLinker.MaxEdgesPerNode = getEnvInt("CORTEX_AUTO_LINKER_MAX_EDGES_PER_NODE", 20)

	cfg.Briefing.MaxTokens = getEnvInt("CORTEX_BRIEFING_MAX_TOKENS", 2000)
	cfg.Briefing.Sections = getEnvStringSlice("CORTEX_BRIEFING_SECTIONS", nil)
	cfg.Briefing.PreWarmAgents = getEnvStringSlice("CORTEX_BRIEFING_PRE_WARM_AGENTS", nil)

	cfg.Retention.MaxAgeDays = getEnvInt("CORTEX_RETENTION_MAX_AGE_DAYS", 90)
	cfg.Retention.MaxNodes = getEnvInt("CORTEX_RETENTION_MAX_NODES", 50000)

	cfg.Selection.Epsilon = getEnvFloat("CORTEX_SELECTION_EPSILON", 0.2)
	cfg.Selection.EMAAlpha = getEnvFloat("CORTEX_SELECTION_EMA_ALPHA", 0.1)
	cfg.Selection.RollbackThreshold = getEnvFloat("CORTEX_SELECTION_ROLLBACK_THRESHOLD", 0.4)
	cfg.Selection.RollbackEnabled = getEnvBool("CORTEX_SELECTION_ROLLBACK_ENABLED", true)
	cfg.Selection.RollbackWindow = getEnvInt("CORTEX_SELECTION_ROLLBACK_WINDOW", 10)

	return cfg
}

// MaxAge returns the retention age cutoff as a time.Duration.
func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeDays) * 24 * time.Hour
}

// IntervalDuration returns the auto-linker's wake period as a
// time.Duration.
func (a AutoLinkerConfig) IntervalDuration() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultVal
	}
	return result
}
