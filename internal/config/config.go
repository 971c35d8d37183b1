// Package config defines the user-facing run configuration tree and its
// defaults, validated with go-playground/validator struct tags the way
// confgenerator validates its YAML config in the ops-agent codebase this
// module learned the pattern from.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default buffer sizes and TTLs shared across the bus and queue
// implementations; sized the same order of magnitude as the
// session/event buffers since the access patterns (bursty producers,
// steady consumers) are the same shape.
const (
	DefaultQueueCapacity     = 10000
	DefaultChannelBufferSize = 10000
	DefaultCommandTimeout    = 30 * time.Second
	DefaultCancelTimeout     = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 20 * time.Second
)

// SchedulerKind selects the credit-scheduling strategy.
type SchedulerKind string

const (
	SchedulerConcurrency   SchedulerKind = "concurrency"
	SchedulerRequestRate   SchedulerKind = "request_rate"
	SchedulerFixedSchedule SchedulerKind = "fixed_schedule"
)

// RateDistribution selects how request-rate scheduling paces credit drops.
type RateDistribution string

const (
	DistributionConstant RateDistribution = "constant"
	DistributionPoisson  RateDistribution = "poisson"
)

// EndpointKind selects the response extractor used for the target API.
type EndpointKind string

const (
	EndpointChat                EndpointKind = "chat"
	EndpointCompletions         EndpointKind = "completions"
	EndpointEmbeddings          EndpointKind = "embeddings"
	EndpointRankings            EndpointKind = "rankings"
	EndpointHuggingFaceGenerate EndpointKind = "huggingface_generate"
	EndpointTemplate            EndpointKind = "template"
)

// EndpointConfig describes the target inference server.
type EndpointConfig struct {
	URL           string            `yaml:"url" validate:"required,url"`
	Kind          EndpointKind      `yaml:"type" validate:"required,oneof=chat completions embeddings rankings huggingface_generate template"`
	Model         string            `yaml:"model" validate:"required"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	TemplatePath  string            `yaml:"template_path,omitempty" validate:"required_if=Kind template"`
	StreamEnabled bool              `yaml:"streaming"`
}

// SchedulerConfig parameterizes whichever SchedulerKind is selected.
type SchedulerConfig struct {
	Kind               SchedulerKind    `yaml:"type" validate:"required,oneof=concurrency request_rate fixed_schedule"`
	Concurrency        int              `yaml:"concurrency,omitempty" validate:"omitempty,gt=0"`
	RequestRate        float64          `yaml:"request_rate,omitempty" validate:"omitempty,gt=0"`
	RateDistribution   RateDistribution `yaml:"rate_distribution,omitempty" validate:"omitempty,oneof=constant poisson"`
	FixedSchedulePath  string           `yaml:"fixed_schedule_path,omitempty" validate:"required_if=Kind fixed_schedule"`
	WarmupRequestCount int              `yaml:"warmup_request_count,omitempty" validate:"omitempty,gte=0"`

	// RequestCancellationRate is the percentage (0-100) of dropped credits
	// the scheduler stamps with should_cancel, orthogonal to Kind: it
	// applies the same way under concurrency, request-rate, or
	// fixed-schedule pacing.
	RequestCancellationRate float64 `yaml:"request_cancellation_rate,omitempty" validate:"omitempty,gte=0,lte=100"`
	// RequestCancellationDelay is how long a cancelled request's worker
	// waits before aborting the in-flight call (cancel_after_ns).
	RequestCancellationDelay time.Duration `yaml:"request_cancellation_delay,omitempty" validate:"omitempty,gte=0"`
}

// BenchmarkDuration bounds one profiling run by time, request count, or both.
type BenchmarkDuration struct {
	DurationSeconds float64 `yaml:"benchmark_duration,omitempty" validate:"omitempty,gt=0"`
	RequestCount    int     `yaml:"request_count,omitempty" validate:"omitempty,gt=0"`
	GracePeriod     time.Duration `yaml:"benchmark_grace_period,omitempty" validate:"omitempty,gte=0"`
}

// WorkersConfig sizes the worker pool (C4) for this run.
type WorkersConfig struct {
	Count            int `yaml:"workers,omitempty" validate:"omitempty,gt=0"`
	MaxInFlightPerWorker int `yaml:"max_in_flight_per_worker,omitempty" validate:"omitempty,gt=0"`
}

// TelemetryConfig points at optional DCGM/GPU telemetry endpoints
// (optional).
type TelemetryConfig struct {
	Enabled       bool     `yaml:"gpu_telemetry,omitempty"`
	DCGMEndpoints []string `yaml:"dcgm_endpoints,omitempty" validate:"omitempty,dive,url"`
	CustomCSVPath string   `yaml:"custom_telemetry_csv,omitempty" validate:"omitempty,file"`
	PollInterval  time.Duration `yaml:"telemetry_poll_interval,omitempty" validate:"omitempty,gt=0"`
}

// StageConfig describes one stage of an optional multi-stage profiling run;
// the controller (internal/controller) drives the stage-progression state
// machine, this struct is only the validated user-facing shape.
type StageConfig struct {
	Name     string        `yaml:"name" validate:"required"`
	Phase    string        `yaml:"phase" validate:"required,oneof=warmup preflight profiling soak"`
	Duration time.Duration `yaml:"duration" validate:"required,gt=0"`
}

// UserConfig is the root of one profiling run's configuration, the
// validated input to the controller's PROFILE_CONFIGURE command.
type UserConfig struct {
	Endpoint  EndpointConfig    `yaml:"endpoint" validate:"required"`
	Scheduler SchedulerConfig   `yaml:"scheduler" validate:"required"`
	Duration  BenchmarkDuration `yaml:"duration"`
	Workers   WorkersConfig     `yaml:"workers"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
	Stages    []StageConfig     `yaml:"stages,omitempty" validate:"omitempty,dive"`
	InputsPath string           `yaml:"inputs_path" validate:"required,file"`
	OutputDir  string           `yaml:"output_dir,omitempty"`
}

// ApplyDefaults fills in the zero-valued optional fields with this
// package's defaults; call before Validate.
func (c *UserConfig) ApplyDefaults() {
	if c.Scheduler.RateDistribution == "" {
		c.Scheduler.RateDistribution = DistributionConstant
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 1
	}
	if c.Workers.MaxInFlightPerWorker == 0 {
		c.Workers.MaxInFlightPerWorker = 1
	}
	if c.Telemetry.PollInterval == 0 {
		c.Telemetry.PollInterval = 333 * time.Millisecond // ~3Hz, matching DCGM's own sample cadence
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

// Load reads a YAML run configuration from path, applies defaults, and
// validates it, matching the single load-validate-run flow the
// control plane uses for its own config tree.
func Load(path string) (*UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg UserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks every struct tag on c and returns a single error
// aggregating all violations, or nil.
func (c *UserConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
