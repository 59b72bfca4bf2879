// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type ObjectStore struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// Objects at or above this size download as concurrent ranged parts.
	MultipartThreshold int64         `mapstructure:"multipart_threshold"`
	PartSize           int64         `mapstructure:"part_size"`
	MaxConcurrentParts int           `mapstructure:"max_concurrent_parts"`
	PresignTTL         time.Duration `mapstructure:"presign_ttl"`
}

type Queue struct {
	IntakeList            string        `mapstructure:"intake_list"`
	DeadLetterList        string        `mapstructure:"dead_letter_list"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	BRPopLPushTimeout     time.Duration `mapstructure:"brpoplpush_timeout"`
}

type Jobs struct {
	KeyPrefix         string `mapstructure:"key_prefix"`
	IdempotencyPrefix string `mapstructure:"idempotency_prefix"`
}

type Pipeline struct {
	WorkDir             string        `mapstructure:"work_dir"`
	ChunkWindowSeconds  int           `mapstructure:"chunk_window_seconds"`
	SceneThreshold      float64       `mapstructure:"scene_threshold"`
	ParallelWorkers     int           `mapstructure:"parallel_workers"`
	StreamingIntake     bool          `mapstructure:"streaming_intake"`
	ExecutorTimeout     time.Duration `mapstructure:"executor_timeout"`
	AudioExtractTimeout time.Duration `mapstructure:"audio_extract_timeout"`
	KeyframeTimeout     time.Duration `mapstructure:"keyframe_timeout"`
	CleanupTempFiles    bool          `mapstructure:"cleanup_temp_files"`
	FFmpegPath          string        `mapstructure:"ffmpeg_path"`
	FFprobePath         string        `mapstructure:"ffprobe_path"`
	ASRCommand          string        `mapstructure:"asr_command"`
	DiarizeCommand      string        `mapstructure:"diarize_command"`
	SpeakerRegistryPath string        `mapstructure:"speaker_registry_path"`
}

type LLM struct {
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	MaxTokens  int    `mapstructure:"max_tokens"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type Embedding struct {
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BatchSize  int    `mapstructure:"batch_size"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type VectorStore struct {
	KeyPrefix string `mapstructure:"key_prefix"`
	Dimension int    `mapstructure:"dimension"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
	Insecure    bool   `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	ObjectStore   ObjectStore   `mapstructure:"object_store"`
	Queue         Queue         `mapstructure:"queue"`
	Jobs          Jobs          `mapstructure:"jobs"`
	Pipeline      Pipeline      `mapstructure:"pipeline"`
	LLM           LLM           `mapstructure:"llm"`
	Embedding     Embedding     `mapstructure:"embedding"`
	VectorStore   VectorStore   `mapstructure:"vector_store"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		ObjectStore: ObjectStore{
			Region:             "us-east-1",
			MultipartThreshold: 8 << 20,
			PartSize:           8 << 20,
			MaxConcurrentParts: 16,
			PresignTTL:         time.Hour,
		},
		Queue: Queue{
			IntakeList:            "lifestream:intake",
			DeadLetterList:        "lifestream:dead_letter",
			ProcessingListPattern: "lifestream:dispatcher:%s:processing",
			HeartbeatKeyPattern:   "lifestream:dispatcher:heartbeat:%s",
			HeartbeatTTL:          30 * time.Second,
			BRPopLPushTimeout:     1 * time.Second,
		},
		Jobs: Jobs{
			KeyPrefix:         "lifestream:jobs",
			IdempotencyPrefix: "lifestream:idempotency",
		},
		Pipeline: Pipeline{
			WorkDir:             os.TempDir(),
			ChunkWindowSeconds:  300,
			SceneThreshold:      0.3,
			ParallelWorkers:     2,
			StreamingIntake:     true,
			ExecutorTimeout:     15 * time.Minute,
			AudioExtractTimeout: 5 * time.Minute,
			KeyframeTimeout:     30 * time.Second,
			CleanupTempFiles:    true,
			FFmpegPath:          "ffmpeg",
			FFprobePath:         "ffprobe",
			ASRCommand:          "lifestream-asr",
			DiarizeCommand:      "lifestream-diarize",
			SpeakerRegistryPath: "config/speakers.json",
		},
		LLM: LLM{
			Model:      "claude-sonnet-4-20250514",
			MaxTokens:  1000,
			MaxRetries: 8,
		},
		Embedding: Embedding{
			Model:      "text-embedding-3-small",
			BatchSize:  64,
			MaxRetries: 3,
		},
		VectorStore: VectorStore{
			KeyPrefix: "lifestream:chunks",
			Dimension: 1536,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("object_store.region", def.ObjectStore.Region)
	v.SetDefault("object_store.bucket", def.ObjectStore.Bucket)
	v.SetDefault("object_store.endpoint", def.ObjectStore.Endpoint)
	v.SetDefault("object_store.multipart_threshold", def.ObjectStore.MultipartThreshold)
	v.SetDefault("object_store.part_size", def.ObjectStore.PartSize)
	v.SetDefault("object_store.max_concurrent_parts", def.ObjectStore.MaxConcurrentParts)
	v.SetDefault("object_store.presign_ttl", def.ObjectStore.PresignTTL)

	v.SetDefault("queue.intake_list", def.Queue.IntakeList)
	v.SetDefault("queue.dead_letter_list", def.Queue.DeadLetterList)
	v.SetDefault("queue.processing_list_pattern", def.Queue.ProcessingListPattern)
	v.SetDefault("queue.heartbeat_key_pattern", def.Queue.HeartbeatKeyPattern)
	v.SetDefault("queue.heartbeat_ttl", def.Queue.HeartbeatTTL)
	v.SetDefault("queue.brpoplpush_timeout", def.Queue.BRPopLPushTimeout)

	v.SetDefault("jobs.key_prefix", def.Jobs.KeyPrefix)
	v.SetDefault("jobs.idempotency_prefix", def.Jobs.IdempotencyPrefix)

	v.SetDefault("pipeline.work_dir", def.Pipeline.WorkDir)
	v.SetDefault("pipeline.chunk_window_seconds", def.Pipeline.ChunkWindowSeconds)
	v.SetDefault("pipeline.scene_threshold", def.Pipeline.SceneThreshold)
	v.SetDefault("pipeline.parallel_workers", def.Pipeline.ParallelWorkers)
	v.SetDefault("pipeline.streaming_intake", def.Pipeline.StreamingIntake)
	v.SetDefault("pipeline.executor_timeout", def.Pipeline.ExecutorTimeout)
	v.SetDefault("pipeline.audio_extract_timeout", def.Pipeline.AudioExtractTimeout)
	v.SetDefault("pipeline.keyframe_timeout", def.Pipeline.KeyframeTimeout)
	v.SetDefault("pipeline.cleanup_temp_files", def.Pipeline.CleanupTempFiles)
	v.SetDefault("pipeline.ffmpeg_path", def.Pipeline.FFmpegPath)
	v.SetDefault("pipeline.ffprobe_path", def.Pipeline.FFprobePath)
	v.SetDefault("pipeline.asr_command", def.Pipeline.ASRCommand)
	v.SetDefault("pipeline.diarize_command", def.Pipeline.DiarizeCommand)
	v.SetDefault("pipeline.speaker_registry_path", def.Pipeline.SpeakerRegistryPath)

	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.api_key", def.LLM.APIKey)
	v.SetDefault("llm.max_tokens", def.LLM.MaxTokens)
	v.SetDefault("llm.max_retries", def.LLM.MaxRetries)

	v.SetDefault("embedding.model", def.Embedding.Model)
	v.SetDefault("embedding.api_key", def.Embedding.APIKey)
	v.SetDefault("embedding.batch_size", def.Embedding.BatchSize)
	v.SetDefault("embedding.max_retries", def.Embedding.MaxRetries)

	v.SetDefault("vector_store.key_prefix", def.VectorStore.KeyPrefix)
	v.SetDefault("vector_store.dimension", def.VectorStore.Dimension)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.IntakeList == "" {
		return fmt.Errorf("queue.intake_list must be non-empty")
	}
	if cfg.Queue.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("queue.heartbeat_ttl must be >= 5s")
	}
	if cfg.Queue.BRPopLPushTimeout <= 0 || cfg.Queue.BRPopLPushTimeout > cfg.Queue.HeartbeatTTL/2 {
		return fmt.Errorf("queue.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.ObjectStore.PartSize <= 0 {
		return fmt.Errorf("object_store.part_size must be > 0")
	}
	if cfg.ObjectStore.MaxConcurrentParts < 1 {
		return fmt.Errorf("object_store.max_concurrent_parts must be >= 1")
	}
	if cfg.Pipeline.ChunkWindowSeconds <= 0 {
		return fmt.Errorf("pipeline.chunk_window_seconds must be > 0")
	}
	if cfg.Pipeline.SceneThreshold <= 0 || cfg.Pipeline.SceneThreshold >= 1 {
		return fmt.Errorf("pipeline.scene_threshold must be in (0,1)")
	}
	if cfg.Pipeline.ParallelWorkers < 1 {
		return fmt.Errorf("pipeline.parallel_workers must be >= 1")
	}
	if cfg.Pipeline.ExecutorTimeout < time.Minute {
		return fmt.Errorf("pipeline.executor_timeout must be >= 1m")
	}
	if cfg.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be >= 1")
	}
	if cfg.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding.batch_size must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
