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
	LogFile        string `yaml:"log_file"` // empty logs to stdout only
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStderr    bool   `yaml:"trace_stderr"` // without an OTLP endpoint, write spans to stderr
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	JobStore    JobStoreConfig    `yaml:"job_store"`
	Service     ServiceConfig     `yaml:"service"`
	Engine      EngineConfig      `yaml:"engine"`
	Transcoder  TranscoderConfig  `yaml:"transcoder"`
	Ingest      IngestConfig      `yaml:"ingest"`
	PostProcess PostProcessConfig `yaml:"postprocess"`
	Encode      EncodeConfig      `yaml:"encode"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ServiceConfig controls the bus-facing request/reply front.
type ServiceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	QueueGroup       string `yaml:"queue_group"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
	// StatusStream names the JetStream stream retaining job status events.
	// Empty disables stream creation.
	StatusStream string `yaml:"status_stream"`
}

type EngineConfig struct {
	Mode           string   `yaml:"mode"` // mock, exec
	Command        string   `yaml:"command"`
	ModelID        string   `yaml:"model_id"`
	ModelDir       string   `yaml:"model_dir"`
	ManifestFile   string   `yaml:"manifest_file"`
	FetchCommand   string   `yaml:"fetch_command"`
	FetchTimeoutMS int      `yaml:"fetch_timeout_ms"`
	InferTimeoutMS int      `yaml:"infer_timeout_ms"`
	SampleRate     int      `yaml:"sample_rate"`
	Speakers       []string `yaml:"speakers"`
}

type TranscoderConfig struct {
	Command    string `yaml:"command"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	StderrTail int    `yaml:"stderr_tail_bytes"`
	ScratchDir string `yaml:"scratch_dir"`
}

type IngestConfig struct {
	Decoder        string `yaml:"decoder"` // ffmpeg, native
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms"`
	MaxBytes       int64  `yaml:"max_bytes"`
	SampleRate     int    `yaml:"sample_rate"`
}

// LeakTrimConfig holds the empirical thresholds of the leading-leak trim.
type LeakTrimConfig struct {
	Enabled        bool    `yaml:"enabled"`
	SecondsPerChar float64 `yaml:"seconds_per_char"`
	MinExpected    float64 `yaml:"min_expected_seconds"`
	Ratio          float64 `yaml:"ratio"`
	AbsoluteFloor  float64 `yaml:"absolute_floor_seconds"`
	KeepMultiplier float64 `yaml:"keep_multiplier"`
}

type PostProcessConfig struct {
	LeakTrim LeakTrimConfig `yaml:"leak_trim"`
	MinSpeed float64        `yaml:"min_speed"`
	MaxSpeed float64        `yaml:"max_speed"`
}

type EncodeConfig struct {
	DefaultFormat string `yaml:"default_format"`
	MP3Quality    int    `yaml:"mp3_quality"`
	OggQuality    int    `yaml:"ogg_quality"`
	FlacLevel     int    `yaml:"flac_compression_level"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-clone",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogMaxSizeMB:   50,
			LogMaxBackups:  5,
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-clone-1",
			Role:              "synthesis",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "tts.clone", Tier: "balanced"},
			},
		},
		JobStore: JobStoreConfig{
			Path:          "./data/loqa-clone-jobs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Service: ServiceConfig{
			Enabled:          true,
			QueueGroup:       "loqa-clone",
			RequestTimeoutMS: 300000,
			MaxConcurrency:   4,
			StatusStream:     "LOQA_CLONE_JOBS",
		},
		Engine: EngineConfig{
			Mode:           "mock",
			ModelID:        "iic/CosyVoice2-0.5B",
			ModelDir:       "./pretrained_models/CosyVoice2-0.5B",
			ManifestFile:   "cosyvoice2.yaml",
			FetchTimeoutMS: 1800000,
			InferTimeoutMS: 240000,
			SampleRate:     24000,
		},
		Transcoder: TranscoderConfig{
			Command:    "ffmpeg -hide_banner -loglevel error",
			TimeoutMS:  30000,
			StderrTail: 500,
			ScratchDir: "",
		},
		Ingest: IngestConfig{
			Decoder:        "ffmpeg",
			FetchTimeoutMS: 30000,
			MaxBytes:       50 << 20,
			SampleRate:     16000,
		},
		PostProcess: PostProcessConfig{
			LeakTrim: LeakTrimConfig{
				Enabled:        true,
				SecondsPerChar: 0.15,
				MinExpected:    1.0,
				Ratio:          1.8,
				AbsoluteFloor:  3.0,
				KeepMultiplier: 1.2,
			},
			MinSpeed: 0.5,
			MaxSpeed: 2.0,
		},
		Encode: EncodeConfig{
			DefaultFormat: "mp3",
			MP3Quality:    2,
			OggQuality:    5,
			FlacLevel:     5,
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
	overrideString(&cfg.RuntimeName, "LOQA_CLONE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CLONE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_CLONE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CLONE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CLONE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_CLONE_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CLONE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CLONE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStderr, "LOQA_CLONE_TELEMETRY_TRACE_STDERR")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_CLONE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_CLONE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CLONE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_CLONE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_CLONE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_CLONE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CLONE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CLONE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CLONE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CLONE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CLONE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CLONE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_CLONE_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_CLONE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_CLONE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_CLONE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "LOQA_CLONE_JOB_STORE_PATH")
	overrideString(&cfg.JobStore.RetentionMode, "LOQA_CLONE_JOB_STORE_RETENTION_MODE")
	overrideInt(&cfg.JobStore.RetentionDays, "LOQA_CLONE_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "LOQA_CLONE_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "LOQA_CLONE_JOB_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Service.Enabled, "LOQA_CLONE_SERVICE_ENABLED")
	overrideString(&cfg.Service.QueueGroup, "LOQA_CLONE_SERVICE_QUEUE_GROUP")
	overrideInt(&cfg.Service.RequestTimeoutMS, "LOQA_CLONE_SERVICE_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Service.MaxConcurrency, "LOQA_CLONE_SERVICE_MAX_CONCURRENCY")
	overrideString(&cfg.Service.StatusStream, "LOQA_CLONE_SERVICE_STATUS_STREAM")
	overrideString(&cfg.Engine.Mode, "LOQA_CLONE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_CLONE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelID, "LOQA_CLONE_ENGINE_MODEL_ID")
	overrideString(&cfg.Engine.ModelDir, "MODEL_DIR")
	overrideString(&cfg.Engine.ModelDir, "LOQA_CLONE_ENGINE_MODEL_DIR")
	overrideString(&cfg.Engine.ManifestFile, "LOQA_CLONE_ENGINE_MANIFEST_FILE")
	overrideString(&cfg.Engine.FetchCommand, "LOQA_CLONE_ENGINE_FETCH_COMMAND")
	overrideInt(&cfg.Engine.FetchTimeoutMS, "LOQA_CLONE_ENGINE_FETCH_TIMEOUT_MS")
	overrideInt(&cfg.Engine.InferTimeoutMS, "LOQA_CLONE_ENGINE_INFER_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_CLONE_ENGINE_SAMPLE_RATE")
	overrideStringSlice(&cfg.Engine.Speakers, "LOQA_CLONE_ENGINE_SPEAKERS")
	overrideString(&cfg.Transcoder.Command, "LOQA_CLONE_TRANSCODER_COMMAND")
	overrideInt(&cfg.Transcoder.TimeoutMS, "LOQA_CLONE_TRANSCODER_TIMEOUT_MS")
	overrideInt(&cfg.Transcoder.StderrTail, "LOQA_CLONE_TRANSCODER_STDERR_TAIL_BYTES")
	overrideString(&cfg.Transcoder.ScratchDir, "LOQA_CLONE_TRANSCODER_SCRATCH_DIR")
	overrideString(&cfg.Ingest.Decoder, "LOQA_CLONE_INGEST_DECODER")
	overrideInt(&cfg.Ingest.FetchTimeoutMS, "LOQA_CLONE_INGEST_FETCH_TIMEOUT_MS")
	overrideInt64(&cfg.Ingest.MaxBytes, "LOQA_CLONE_INGEST_MAX_BYTES")
	overrideBool(&cfg.PostProcess.LeakTrim.Enabled, "LOQA_CLONE_LEAK_TRIM_ENABLED")
	overrideFloat(&cfg.PostProcess.LeakTrim.SecondsPerChar, "LOQA_CLONE_LEAK_TRIM_SECONDS_PER_CHAR")
	overrideFloat(&cfg.PostProcess.LeakTrim.MinExpected, "LOQA_CLONE_LEAK_TRIM_MIN_EXPECTED_SECONDS")
	overrideFloat(&cfg.PostProcess.LeakTrim.Ratio, "LOQA_CLONE_LEAK_TRIM_RATIO")
	overrideFloat(&cfg.PostProcess.LeakTrim.AbsoluteFloor, "LOQA_CLONE_LEAK_TRIM_ABSOLUTE_FLOOR_SECONDS")
	overrideFloat(&cfg.PostProcess.LeakTrim.KeepMultiplier, "LOQA_CLONE_LEAK_TRIM_KEEP_MULTIPLIER")
	overrideString(&cfg.Encode.DefaultFormat, "LOQA_CLONE_ENCODE_DEFAULT_FORMAT")
	overrideInt(&cfg.Encode.MP3Quality, "LOQA_CLONE_ENCODE_MP3_QUALITY")
	overrideInt(&cfg.Encode.OggQuality, "LOQA_CLONE_ENCODE_OGG_QUALITY")
	overrideInt(&cfg.Encode.FlacLevel, "LOQA_CLONE_ENCODE_FLAC_COMPRESSION_LEVEL")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.Service.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("service.enabled requires bus.enabled")
		}
		if cfg.Service.RequestTimeoutMS <= 0 {
			return errors.New("service.request_timeout_ms must be positive")
		}
		if cfg.Service.MaxConcurrency <= 0 {
			return errors.New("service.max_concurrency must be >= 1")
		}
	}
	switch cfg.JobStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.JobStore.Path == "" {
			return errors.New("job_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("job_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.ModelDir == "" {
		return errors.New("engine.model_dir must not be empty")
	}
	if cfg.Engine.ManifestFile == "" {
		return errors.New("engine.manifest_file must not be empty")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Transcoder.Command == "" {
		return errors.New("transcoder.command must not be empty")
	}
	if cfg.Transcoder.TimeoutMS <= 0 {
		return errors.New("transcoder.timeout_ms must be positive")
	}
	switch cfg.Ingest.Decoder {
	case "ffmpeg", "native":
	default:
		return errors.New("ingest.decoder must be one of ffmpeg|native")
	}
	if cfg.Ingest.FetchTimeoutMS <= 0 {
		return errors.New("ingest.fetch_timeout_ms must be positive")
	}
	if cfg.Ingest.SampleRate <= 0 {
		return errors.New("ingest.sample_rate must be positive")
	}
	lt := cfg.PostProcess.LeakTrim
	if lt.SecondsPerChar <= 0 || lt.MinExpected < 0 || lt.Ratio <= 0 || lt.AbsoluteFloor < 0 || lt.KeepMultiplier <= 0 {
		return errors.New("postprocess.leak_trim thresholds must be positive")
	}
	if cfg.PostProcess.MinSpeed <= 0 || cfg.PostProcess.MaxSpeed < cfg.PostProcess.MinSpeed {
		return errors.New("postprocess speed range is invalid")
	}
	switch cfg.Encode.DefaultFormat {
	case "mp3", "wav", "ogg", "flac":
	default:
		return errors.New("encode.default_format must be one of mp3|wav|ogg|flac")
	}
	return nil
}
