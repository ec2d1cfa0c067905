package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// PrometheusBind serves /metrics on its own listener; empty serves it
	// on the main HTTP port.
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceStdout writes finished spans to stderr when no OTLP endpoint is set.
	TraceStdout bool `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Segment     SegmentConfig    `yaml:"segment"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this daemon on the bus for presence heartbeats.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// TTSConfig controls the inference engine and the artifact directories.
type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	VoicesDir  string `yaml:"voices_dir"`
	ResultsDir string `yaml:"results_dir"`
	MaxChars   int    `yaml:"max_chars"`
	MaxSamples int    `yaml:"max_samples"`
}

type SegmentConfig struct {
	MaxLength int `yaml:"max_length"`
}

type DispatchConfig struct {
	Enabled      bool `yaml:"enabled"`
	CaptionChars int  `yaml:"caption_chars"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicepick",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voicepick-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicepick-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 24000,
			VoicesDir:  "./data/voices",
			ResultsDir: "./data/results",
			MaxChars:   1000,
			MaxSamples: 3,
		},
		Segment: SegmentConfig{
			MaxLength: 300,
		},
		Dispatch: DispatchConfig{
			Enabled:      true,
			CaptionChars: 1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEPICK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEPICK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEPICK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEPICK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEPICK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEPICK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEPICK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEPICK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "VOICEPICK_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "VOICEPICK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEPICK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEPICK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEPICK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEPICK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEPICK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEPICK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEPICK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICEPICK_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEPICK_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEPICK_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEPICK_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEPICK_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEPICK_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "VOICEPICK_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEPICK_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "VOICEPICK_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICEPICK_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "VOICEPICK_TTS_SAMPLE_RATE")
	overrideString(&cfg.TTS.VoicesDir, "VOICEPICK_TTS_VOICES_DIR")
	overrideString(&cfg.TTS.ResultsDir, "VOICEPICK_TTS_RESULTS_DIR")
	overrideInt(&cfg.TTS.MaxChars, "VOICEPICK_TTS_MAX_CHARS")
	overrideInt(&cfg.TTS.MaxSamples, "VOICEPICK_TTS_MAX_SAMPLES")
	overrideInt(&cfg.Segment.MaxLength, "VOICEPICK_SEGMENT_MAX_LENGTH")
	overrideBool(&cfg.Dispatch.Enabled, "VOICEPICK_DISPATCH_ENABLED")
	overrideInt(&cfg.Dispatch.CaptionChars, "VOICEPICK_DISPATCH_CAPTION_CHARS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" || strings.ContainsAny(cfg.Node.ID, ".*> ") {
		return errors.New("node.id must be a non-empty single subject token")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.VoicesDir == "" {
		return errors.New("tts.voices_dir must not be empty")
	}
	if cfg.TTS.ResultsDir == "" {
		return errors.New("tts.results_dir must not be empty")
	}
	if cfg.TTS.MaxChars <= 0 {
		return errors.New("tts.max_chars must be positive")
	}
	if cfg.TTS.MaxSamples <= 0 {
		return errors.New("tts.max_samples must be >= 1")
	}
	if cfg.Segment.MaxLength < 16 {
		return errors.New("segment.max_length must be >= 16")
	}
	if cfg.Dispatch.CaptionChars <= 0 {
		return errors.New("dispatch.caption_chars must be positive")
	}
	return nil
}
