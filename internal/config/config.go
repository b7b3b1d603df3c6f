// Package config collects every tunable constant named in spec.md §4 in one
// place, plus the Backpressure, ChunkPlanner and Recovery structs that let
// callers (and values parsed by internal/overrides) adjust those knobs per
// connection for deterministic tests — grounded on the teacher's cli/config.go flag-driven config
// struct, generalized from flags to a struct any caller can construct.
package config

import "time"

// Backpressure (C5).
const (
	MaxBufferedAmount = 12 * 1024 * 1024 // 12 MiB
	LowThreshold      = 12 * 1024 * 1024 // 12 MiB
	EventTimeout      = 5 * time.Second
	PollInterval      = 10 * time.Millisecond
)

// Chunk planning (C2).
const (
	RuntimeRTTCacheTTL = 3 * time.Second
)

// Sender (C6).
const (
	ReceiverReadyTimeout   = 10 * time.Second
	AutoResumeMaxWait      = 120 * time.Second
	AutoResumePollInterval = 200 * time.Millisecond
)

// Recovery (C8).
const (
	GracePeriod           = 8 * time.Second
	MaxRestartICEAttempts = 2
	MaxRebuildAttempts    = 3
	BackoffBase           = 2 * time.Second
	MaxBackoff            = 15 * time.Second
	RecoveryGracePeriod   = 5 * time.Second
	MonitorInterval       = 5 * time.Second
	HighRTTThreshold      = 800 * time.Millisecond
	ImprovementThreshold  = 120 * time.Millisecond
	MaxProbeAttempts      = 1
)

// Store (C3).
const (
	SessionTTL = 24 * time.Hour
)

// Memory guard (§5).
const (
	MemoryGuardThresholdBytes = 256 * 1024 * 1024
)

// Recovery bundles the recovery controller's per-connection tunables
// (spec.md §4.8), mirroring the Backpressure/ChunkPlanner bundles so tests
// can shrink every timer down without touching the package constants.
type Recovery struct {
	GracePeriod           time.Duration
	MaxRestartICEAttempts int
	MaxRebuildAttempts    int
	BackoffBase           time.Duration
	MaxBackoff            time.Duration
	RecoveryGracePeriod   time.Duration
	MonitorInterval       time.Duration
	HighRTTThreshold      time.Duration
	ImprovementThreshold  time.Duration
	MaxProbeAttempts      int
}

// DefaultRecovery returns the spec.md §4.8 defaults.
func DefaultRecovery() Recovery {
	return Recovery{
		GracePeriod:           GracePeriod,
		MaxRestartICEAttempts: MaxRestartICEAttempts,
		MaxRebuildAttempts:    MaxRebuildAttempts,
		BackoffBase:           BackoffBase,
		MaxBackoff:            MaxBackoff,
		RecoveryGracePeriod:   RecoveryGracePeriod,
		MonitorInterval:       MonitorInterval,
		HighRTTThreshold:      HighRTTThreshold,
		ImprovementThreshold:  ImprovementThreshold,
		MaxProbeAttempts:      MaxProbeAttempts,
	}
}

// BackpressureMode selects how the arbiter waits for the channel buffer to
// drain.
type BackpressureMode string

const (
	ModeEvent   BackpressureMode = "event"
	ModePolling BackpressureMode = "polling"
	ModeAuto    BackpressureMode = "auto"
)

// Backpressure bundles the arbiter's per-connection tunables so
// internal/overrides can adjust them without touching the package
// constants above.
type Backpressure struct {
	Mode              BackpressureMode
	MaxBufferedAmount int
	LowThreshold      int
	EventTimeout      time.Duration
	PollInterval      time.Duration
}

// DefaultBackpressure returns the spec.md §4.5 defaults.
func DefaultBackpressure() Backpressure {
	return Backpressure{
		Mode:              ModeAuto,
		MaxBufferedAmount: MaxBufferedAmount,
		LowThreshold:      LowThreshold,
		EventTimeout:      EventTimeout,
		PollInterval:      PollInterval,
	}
}

// ChunkPlanner bundles the planner's per-connection tunables.
type ChunkPlanner struct {
	BaseChunkSize       int
	ForceMaxMessageSize int // 0 = use transport-reported value
	ForceRTTMS          int // 0 = use measured value
}

// DefaultChunkPlanner returns the spec.md §4.2 defaults.
func DefaultChunkPlanner() ChunkPlanner {
	return ChunkPlanner{BaseChunkSize: 64 * 1024}
}
