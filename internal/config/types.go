package config

import (
	"fmt"
	"time"
)

// Config represents the complete musebatch configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service" mapstructure:"service"`
	Queue       QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Coordinator CoordinatorConfig `yaml:"coordinator" mapstructure:"coordinator"`
	Engine      EngineConfig      `yaml:"engine" mapstructure:"engine"`
	Monitor     MonitorConfig     `yaml:"monitor" mapstructure:"monitor"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	History     HistoryConfig     `yaml:"history" mapstructure:"history"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`

	// SourceFile is the file the config was read from; empty when defaults only.
	SourceFile string `yaml:"-" mapstructure:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	LogLevel  string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"oneof=json text"`
}

// QueueConfig defines where the batch queue document lives and how long
// writers wait for its lock.
type QueueConfig struct {
	Path        string        `yaml:"path" mapstructure:"path" validate:"required"`
	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout" validate:"gt=0"`
	LockPoll    time.Duration `yaml:"lock_poll" mapstructure:"lock_poll" validate:"gt=0"`
}

// CoordinatorConfig holds the timings of the batch state machine.
type CoordinatorConfig struct {
	LockPath            string        `yaml:"lock_path" mapstructure:"lock_path"`
	WorkDir             string        `yaml:"work_dir" mapstructure:"work_dir"`
	BetweenBatches      time.Duration `yaml:"between_batches" mapstructure:"between_batches" validate:"gte=0"`
	DaemonInterval      time.Duration `yaml:"daemon_interval" mapstructure:"daemon_interval" validate:"gt=0"`
	DrainPoll           time.Duration `yaml:"drain_poll" mapstructure:"drain_poll" validate:"gt=0"`
	DrainInterruptAfter time.Duration `yaml:"drain_interrupt_after" mapstructure:"drain_interrupt_after" validate:"gt=0"`
	DrainAbandonAfter   time.Duration `yaml:"drain_abandon_after" mapstructure:"drain_abandon_after" validate:"gt=0"`
	DrainTimeout        time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout" validate:"gt=0"`
	StrayGrace          time.Duration `yaml:"stray_grace" mapstructure:"stray_grace" validate:"gte=0"`
	GPUSettle           time.Duration `yaml:"gpu_settle" mapstructure:"gpu_settle" validate:"gte=0"`
	BatchTimeout        time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout" validate:"gt=0"`
	ShutdownEngineAfter bool          `yaml:"shutdown_engine_after" mapstructure:"shutdown_engine_after"`
}

// EngineConfig describes how to launch and reach the rendering engine.
type EngineConfig struct {
	Host          string        `yaml:"host" mapstructure:"host" validate:"required"`
	Port          int           `yaml:"port" mapstructure:"port" validate:"gt=0,lt=65536"`
	Python        string        `yaml:"python" mapstructure:"python" validate:"required"`
	MainScript    string        `yaml:"main_script" mapstructure:"main_script" validate:"required"`
	OutputDir     string        `yaml:"output_dir" mapstructure:"output_dir"`
	LowVRAM       bool          `yaml:"low_vram" mapstructure:"low_vram"`
	CPU           bool          `yaml:"cpu" mapstructure:"cpu"`
	ExtraArgs     []string      `yaml:"extra_args,omitempty" mapstructure:"extra_args"`
	LogPath       string        `yaml:"log_path" mapstructure:"log_path"`
	MatchMarkers  []string      `yaml:"match_markers" mapstructure:"match_markers"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout" validate:"gt=0"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout" validate:"gt=0"`
	ReadyPoll     time.Duration `yaml:"ready_poll" mapstructure:"ready_poll" validate:"gt=0"`
	ReadySettle   time.Duration `yaml:"ready_settle" mapstructure:"ready_settle" validate:"gte=0"`
	ProgressEvery time.Duration `yaml:"progress_every" mapstructure:"progress_every" validate:"gt=0"`
	StopTimeout   time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout" validate:"gt=0"`
	KillConfirm   time.Duration `yaml:"kill_confirm" mapstructure:"kill_confirm" validate:"gte=0"`
	RestartPause  time.Duration `yaml:"restart_pause" mapstructure:"restart_pause" validate:"gte=0"`
	// RequestTimeout bounds ordinary API calls (submit, queue, history).
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gt=0"`
}

// BaseURL is the engine's HTTP root.
func (e EngineConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// MonitorConfig tunes completion polling.
type MonitorConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	StallAfter           time.Duration `yaml:"stall_after" mapstructure:"stall_after" validate:"gt=0"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors" validate:"gt=0"`
	ErrorBackoff         time.Duration `yaml:"error_backoff" mapstructure:"error_backoff" validate:"gte=0"`
	// TreatVanishedAsCompleted counts a job that left the engine queue
	// without a history record as done (with an "unknown" outcome).
	TreatVanishedAsCompleted bool `yaml:"treat_vanished_as_completed" mapstructure:"treat_vanished_as_completed"`
}

// LLMConfig selects and tunes the text generator.
type LLMConfig struct {
	Backend     string        `yaml:"backend" mapstructure:"backend" validate:"oneof=llama_cli openai"`
	Binary      string        `yaml:"binary" mapstructure:"binary"`
	Model       string        `yaml:"model" mapstructure:"model"`
	ContextSize int           `yaml:"context_size" mapstructure:"context_size" validate:"gte=0"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=0"`
	GPULayers   int           `yaml:"gpu_layers" mapstructure:"gpu_layers"`
	Threads     int           `yaml:"threads" mapstructure:"threads" validate:"gte=0"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature" validate:"gte=0"`
	TopP        float64       `yaml:"top_p" mapstructure:"top_p" validate:"gte=0,lte=1"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
}

// HistoryConfig controls the sqlite run journal.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// APIConfig defines HTTP admin server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Listen  string        `yaml:"listen" mapstructure:"listen"`
	Auth    APIAuthConfig `yaml:"auth" mapstructure:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key" mapstructure:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// APIToken defines a bearer token and its scopes. Name labels the holder in
// logs and on batches it enqueues.
type APIToken struct {
	Name   string   `yaml:"name,omitempty" mapstructure:"name"`
	Token  string   `yaml:"token" mapstructure:"token"`
	Scopes []string `yaml:"scopes" mapstructure:"scopes"`
}

// Defaults returns a Config populated with the stock timings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "musebatch",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Queue: QueueConfig{
			Path:        "./data/batch_queue.json",
			LockTimeout: 300 * time.Second,
			LockPoll:    100 * time.Millisecond,
		},
		Coordinator: CoordinatorConfig{
			BetweenBatches:      2 * time.Second,
			DaemonInterval:      60 * time.Second,
			DrainPoll:           30 * time.Second,
			DrainInterruptAfter: 10 * time.Minute,
			DrainAbandonAfter:   15 * time.Minute,
			DrainTimeout:        time.Hour,
			StrayGrace:          2 * time.Second,
			GPUSettle:           8 * time.Second,
			BatchTimeout:        24 * time.Hour,
		},
		Engine: EngineConfig{
			Host:           "127.0.0.1",
			Port:           8188,
			Python:         "python",
			MainScript:     "./ComfyUI/main.py",
			OutputDir:      "../projects",
			LogPath:        "~/.musebatch/engine.log",
			MatchMarkers:   []string{"comfyui", "--listen", "--port"},
			ProbeTimeout:   2 * time.Second,
			ReadyTimeout:   300 * time.Second,
			ReadyPoll:      2 * time.Second,
			ReadySettle:    2 * time.Second,
			ProgressEvery:  15 * time.Second,
			StopTimeout:    30 * time.Second,
			KillConfirm:    time.Second,
			RestartPause:   2 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:             10 * time.Second,
			StallAfter:               10 * time.Minute,
			MaxConsecutiveErrors:     5,
			ErrorBackoff:             15 * time.Second,
			TreatVanishedAsCompleted: true,
		},
		LLM: LLMConfig{
			Backend:     "llama_cli",
			Binary:      "llama-cli",
			ContextSize: 4096,
			MaxTokens:   512,
			GPULayers:   -1,
			Temperature: 0.8,
			TopP:        0.9,
			Timeout:     10 * time.Minute,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8090",
		},
	}
}
