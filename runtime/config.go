// Package runtime carries the process-wide configuration, clock, and
// logger that would otherwise be global state (g_network, g_simulator,
// knobs) in the source system. Every subsystem takes a *Config or
// *Clock explicitly instead of reaching for a singleton.
package runtime

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SpillType selects how a storage team's overflowed messages are
// persisted: by reference (a DiskQueue location) or by value (the raw
// bytes copied into the KeyValueStore).
type SpillType int

const (
	SpillReference SpillType = iota
	SpillValue
)

// Config holds the tunables from spec.md §6 "Configuration inputs".
// Fields default from environment variables under the TLOG_ prefix,
// following the same override-then-default shape the teacher uses in
// NewValuesStoreOpts.
type Config struct {
	NumLoaders                int
	NumAppliers                int
	SpillType                  SpillType
	SpillThresholdBytes        uint64
	HardLimitBytes             uint64
	MaxQueueCommitBytes        uint64
	DefaultBlockBytes          uint32
	MaxMessageSize             uint32
	PeekMemoryBytes            int64
	ConcurrentLogRouterReads   int
	TLogMaxCreateDuration      time.Duration
	WarningTimeoutSeconds      time.Duration
	RecoveryBatchSize          int
	Logger                     *zap.SugaredLogger
	Clock                      Clock
}

// NewConfig resolves a Config from the given envPrefix (defaulting to
// "TLOG_") falling back to environment variables and then hard
// defaults, mirroring ValuesStoreOpts's resolution order.
func NewConfig(envPrefix string) *Config {
	if envPrefix == "" {
		envPrefix = "TLOG_"
	}
	cfg := &Config{}
	cfg.NumLoaders = envInt(envPrefix+"NUM_LOADERS", 0)
	if cfg.NumLoaders <= 0 {
		cfg.NumLoaders = runtime.GOMAXPROCS(0)
	}
	cfg.NumAppliers = envInt(envPrefix+"NUM_APPLIERS", 0)
	if cfg.NumAppliers <= 0 {
		cfg.NumAppliers = runtime.GOMAXPROCS(0)
	}
	if envInt(envPrefix+"SPILL_TYPE_VALUE", 0) == 1 {
		cfg.SpillType = SpillValue
	} else {
		cfg.SpillType = SpillReference
	}
	cfg.SpillThresholdBytes = envUint64(envPrefix+"SPILL_THRESHOLD_BYTES", 100*1024*1024)
	cfg.HardLimitBytes = envUint64(envPrefix+"HARD_LIMIT_BYTES", 1500*1024*1024)
	cfg.MaxQueueCommitBytes = envUint64(envPrefix+"MAX_QUEUE_COMMIT_BYTES", 16*1024*1024)
	cfg.DefaultBlockBytes = uint32(envUint64(envPrefix+"DEFAULT_BLOCK_BYTES", 1024*1024))
	cfg.MaxMessageSize = uint32(envUint64(envPrefix+"MAX_MESSAGE_SIZE", 1024*1024))
	cfg.PeekMemoryBytes = int64(envUint64(envPrefix+"PEEK_MEMORY_BYTES", 256*1024*1024))
	cfg.ConcurrentLogRouterReads = envInt(envPrefix+"CONCURRENT_LOG_ROUTER_READS", 5)
	cfg.TLogMaxCreateDuration = time.Duration(envInt(envPrefix+"MAX_CREATE_DURATION_SECONDS", 300)) * time.Second
	cfg.WarningTimeoutSeconds = time.Duration(envInt(envPrefix+"WARNING_TIMEOUT_SECONDS", 0)) * time.Second
	if cfg.WarningTimeoutSeconds <= 0 {
		cfg.WarningTimeoutSeconds = 100 * time.Millisecond
	}
	cfg.RecoveryBatchSize = envInt(envPrefix+"RECOVERY_BATCH_SIZE", 4096)
	logger, _ := zap.NewProduction()
	cfg.Logger = logger.Sugar()
	cfg.Clock = RealClock{}
	return cfg
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envUint64(name string, def uint64) uint64 {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
