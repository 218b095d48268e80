package config

import (
	"database/sql"
	"errors"
	"fmt"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"os"
	"path/filepath"
	"strings"
	"time"
	"worker-transcribe/constant"
)

type Config struct {
	App      App           `yaml:"app"`
	Postgres Postgres      `yaml:"postgres"`
	DB       *sql.DB       `yaml:"db"`
	Queue    *RabbitMQ     `yaml:"rabbitmq"`
	MinIO    MinIO         `yaml:"minio"`
	Storage  *minio.Client `yaml:"storage"`
	Redis    Redis         `yaml:"redis"`
	Server   Server        `yaml:"server"`
	Worker   Worker        `yaml:"worker"`
	FFmpeg   FFmpeg        `yaml:"ffmpeg"`
	Whisper  Whisper       `yaml:"whisper"`
	OpenAI   OpenAI        `yaml:"openai"`
}

type App struct {
	Environment string `yaml:"environment"`
	WorkerId    string `yaml:"worker_id"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Server struct {
	HttpPort string `yaml:"port"`
}

type RabbitMQ struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Pass            string        `json:"pass"`
	Kind            string        `json:"kind"`
	Exchange        string        `json:"exchange"`
	Queue           string        `json:"queue"`
	RoutingKey      string        `json:"routing_key"`
	RedeliveryDelay time.Duration `json:"redelivery_delay"`
}

type MinIO struct {
	URL             string `yaml:"url"`
	AccessId        string `yaml:"access_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Secure          bool   `yaml:"secure"`
}

type Redis struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

// Enabled reports whether the status cache should be wired.
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

func (r Redis) Client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
}

type Worker struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxMessages       int           `yaml:"max_messages"`
	WaitTime          time.Duration `yaml:"wait_time"`
	IdleDelay         time.Duration `yaml:"idle_delay"`
	PollErrorBackoff  time.Duration `yaml:"poll_error_backoff"`
	LeaseStaleSeconds int           `yaml:"lease_stale_seconds"`
	MaxAttempts       int           `yaml:"max_attempts"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	TmpDir            string        `yaml:"tmp_dir"`
}

func (w Worker) LeaseStale() time.Duration {
	return time.Duration(w.LeaseStaleSeconds) * time.Second
}

// TmpRoot is the directory job working areas are created under.
func (w Worker) TmpRoot() string {
	return filepath.Join(w.TmpDir, "transcriptions")
}

type FFmpeg struct {
	Binary string `yaml:"binary"`
}

type Whisper struct {
	Backend  constant.RecognizerBackend `yaml:"backend"`
	Binary   string                     `yaml:"binary"`
	Model    string                     `yaml:"model"`
	Language string                     `yaml:"language"`
}

type OpenAI struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", constant.EnvironmentDevelop.String())
	v.SetDefault("app.worker_id", defaultWorkerId())

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.pass", "guest")
	v.SetDefault("rabbitmq.kind", "direct")
	v.SetDefault("rabbitmq.exchange", "transcription_exchange")
	v.SetDefault("rabbitmq.queue", "transcription_queue")
	v.SetDefault("rabbitmq.routing_key", "transcription.request")
	v.SetDefault("rabbitmq.redelivery_delay", 30*time.Second)

	v.SetDefault("minio.url", "localhost:9000")
	v.SetDefault("minio.secure", false)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.status_ttl", 24*time.Hour)

	v.SetDefault("server.port", "8080")

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_messages", 1)
	v.SetDefault("worker.wait_time", 20*time.Second)
	v.SetDefault("worker.idle_delay", time.Duration(0))
	v.SetDefault("worker.poll_error_backoff", time.Second)
	v.SetDefault("worker.lease_stale_seconds", 900)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.job_timeout", 20*time.Minute)
	v.SetDefault("worker.tmp_dir", os.TempDir())

	v.SetDefault("ffmpeg.binary", "ffmpeg")

	v.SetDefault("whisper.backend", string(constant.RecognizerCLI))
	v.SetDefault("whisper.binary", "whisper-cli")
	v.SetDefault("whisper.model", "models/ggml-base.bin")
	v.SetDefault("whisper.language", "auto")

	v.SetDefault("openai.model", "whisper-1")
}

func defaultWorkerId() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Load reads config.yaml from path, applies environment overrides
// (worker.concurrency -> WORKER_CONCURRENCY) and opens the store and
// storage clients. Neither client connects until first use.
func Load(path string) (*Config, error) {
	cfg, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	minioClient, err := minio.New(cfg.MinIO.URL, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO.AccessId, cfg.MinIO.SecretAccessKey, ""),
		Secure: cfg.MinIO.Secure,
	})
	if err != nil {
		return nil, err
	}

	cfg.DB = db
	cfg.Storage = minioClient
	return cfg, nil
}

// LoadSettings reads and validates the settings without opening any client.
func LoadSettings(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{
		App: App{
			Environment: v.GetString("app.environment"),
			WorkerId:    v.GetString("app.worker_id"),
		},
		Postgres: Postgres{
			DSN: v.GetString("postgres.dsn"),
		},
		Queue: &RabbitMQ{
			Host:            v.GetString("rabbitmq.host"),
			Port:            v.GetInt("rabbitmq.port"),
			User:            v.GetString("rabbitmq.user"),
			Pass:            v.GetString("rabbitmq.pass"),
			Kind:            v.GetString("rabbitmq.kind"),
			Exchange:        v.GetString("rabbitmq.exchange"),
			Queue:           v.GetString("rabbitmq.queue"),
			RoutingKey:      v.GetString("rabbitmq.routing_key"),
			RedeliveryDelay: v.GetDuration("rabbitmq.redelivery_delay"),
		},
		MinIO: MinIO{
			URL:             v.GetString("minio.url"),
			AccessId:        v.GetString("minio.access_id"),
			SecretAccessKey: v.GetString("minio.secret_access_key"),
			Bucket:          v.GetString("minio.bucket"),
			Secure:          v.GetBool("minio.secure"),
		},
		Redis: Redis{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			StatusTTL: v.GetDuration("redis.status_ttl"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
		},
		Worker: Worker{
			Concurrency:       v.GetInt("worker.concurrency"),
			MaxMessages:       v.GetInt("worker.max_messages"),
			WaitTime:          v.GetDuration("worker.wait_time"),
			IdleDelay:         v.GetDuration("worker.idle_delay"),
			PollErrorBackoff:  v.GetDuration("worker.poll_error_backoff"),
			LeaseStaleSeconds: v.GetInt("worker.lease_stale_seconds"),
			MaxAttempts:       v.GetInt("worker.max_attempts"),
			JobTimeout:        v.GetDuration("worker.job_timeout"),
			TmpDir:            v.GetString("worker.tmp_dir"),
		},
		FFmpeg: FFmpeg{
			Binary: v.GetString("ffmpeg.binary"),
		},
		Whisper: Whisper{
			Backend:  constant.RecognizerBackend(v.GetString("whisper.backend")),
			Binary:   v.GetString("whisper.binary"),
			Model:    v.GetString("whisper.model"),
			Language: v.GetString("whisper.language"),
		},
		OpenAI: OpenAI{
			APIKey:  v.GetString("openai.api_key"),
			BaseURL: v.GetString("openai.base_url"),
			Model:   v.GetString("openai.model"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	dsn := c.Postgres.DSN
	if dsn == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	} else if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		errs = append(errs, errors.New("postgres.dsn must start with postgres:// or postgresql://"))
	}

	if c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required"))
	}

	switch constant.Environment(c.App.Environment) {
	case constant.EnvironmentProduction, constant.EnvironmentStaging, constant.EnvironmentDevelop:
	default:
		errs = append(errs, fmt.Errorf("app.environment %q is not one of production, staging, develop", c.App.Environment))
	}

	if c.App.WorkerId == "" {
		errs = append(errs, errors.New("app.worker_id must not be empty"))
	}

	w := c.Worker
	if w.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if w.MaxMessages < 1 || w.MaxMessages > 10 {
		errs = append(errs, errors.New("worker.max_messages must be between 1 and 10"))
	}
	if w.WaitTime < 0 || w.WaitTime > 20*time.Second {
		errs = append(errs, errors.New("worker.wait_time must be between 0s and 20s"))
	}
	if w.IdleDelay < 0 {
		errs = append(errs, errors.New("worker.idle_delay must not be negative"))
	}
	if w.WaitTime == 0 && w.IdleDelay <= 0 {
		errs = append(errs, errors.New("worker.idle_delay must be positive when worker.wait_time is 0"))
	}
	if w.PollErrorBackoff < 0 {
		errs = append(errs, errors.New("worker.poll_error_backoff must not be negative"))
	}
	if w.LeaseStaleSeconds < 30 {
		errs = append(errs, errors.New("worker.lease_stale_seconds must be at least 30"))
	}
	if w.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if w.JobTimeout <= 0 {
		errs = append(errs, errors.New("worker.job_timeout must be positive"))
	}
	if w.TmpDir == "" {
		errs = append(errs, errors.New("worker.tmp_dir must not be empty"))
	}

	if c.Queue.RedeliveryDelay <= 0 {
		errs = append(errs, errors.New("rabbitmq.redelivery_delay must be positive"))
	}

	switch c.Whisper.Backend {
	case constant.RecognizerCLI:
		if c.Whisper.Model == "" {
			errs = append(errs, errors.New("whisper.model is required for the cli backend"))
		}
	case constant.RecognizerOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai.api_key is required for the openai backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("whisper.backend %q is not one of cli, openai", c.Whisper.Backend))
	}

	return errors.Join(errs...)
}
