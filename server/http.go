package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"worker-transcribe/config"
	"worker-transcribe/constant"
	jobHandler "worker-transcribe/handler"
	"worker-transcribe/pkg/command"
	"worker-transcribe/pkg/objectstore"
	"worker-transcribe/pkg/rabbitmq"
	"worker-transcribe/pkg/statuscache"
	"worker-transcribe/pkg/whisper"
	"worker-transcribe/repository"
	"worker-transcribe/service"
	"worker-transcribe/worker"
)

func RunWorker(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := zerolog.Ctx(ctx)
	log.Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}
	logStartup(ctx, cfg)

	if err := os.MkdirAll(cfg.Worker.TmpRoot(), os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Worker.TmpRoot()).Msg("failed to create temp root")
	}

	if err := config.PingDB(ctx, cfg.DB); err != nil {
		log.Fatal().Err(err).Msg("PingDB")
	}
	defer func() {
		if err := cfg.DB.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}()

	repo, err := repository.NewRepo(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("NewRepo")
	}

	store := objectstore.New(cfg.Storage, cfg.MinIO.Bucket)
	if err := store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("object storage is not reachable yet")
	}

	pipeline := service.NewPipeline(
		repo,
		store,
		service.NewFFmpegNormalizer(cfg.FFmpeg.Binary, command.ExecRunner{}),
		newRecognizer(cfg),
		service.PipelineOptions{
			WorkerId:   cfg.App.WorkerId,
			TmpRoot:    cfg.Worker.TmpRoot(),
			JobTimeout: cfg.Worker.JobTimeout,
		},
	)
	engine := service.NewDecisionEngine(repo, cfg.App.WorkerId, cfg.Worker.LeaseStale(), cfg.Worker.MaxAttempts)

	var cache jobHandler.StatusCache
	if cfg.Redis.Enabled() {
		client := cfg.Redis.Client()
		defer client.Close()
		cache = statuscache.New(client, cfg.Redis.StatusTTL)
	}
	messageHandler := jobHandler.NewMessageHandler(engine, pipeline, cache)

	queue := rabbitmq.NewQueue(cfg.Queue, func(ctx context.Context) (*amqp.Connection, error) {
		return config.NewRabbitMQConn(ctx, cfg.Queue)
	}, rabbitmq.QueueOptions{
		Prefetch:    cfg.Worker.Concurrency,
		MaxMessages: cfg.Worker.MaxMessages,
		WaitTime:    cfg.Worker.WaitTime,
		ConsumerTag: cfg.App.WorkerId,
	})

	loop := worker.NewLoop(queue, messageHandler, worker.Options{
		Concurrency:      cfg.Worker.Concurrency,
		IdleDelay:        cfg.Worker.IdleDelay,
		PollErrorBackoff: cfg.Worker.PollErrorBackoff,
	})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	r := gin.Default()
	addHealth(r, cfg.App.WorkerId, loop)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down worker")
	loop.Stop()
	<-loopDone

	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close queue")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	log.Info().Str("env", cfg.App.Environment).Msg("worker shutdown")
}

type loopStatus interface {
	State() worker.State
	InFlight() int
}

func addHealth(r *gin.Engine, workerId string, loop loopStatus) {
	r.GET("/health", func(c *gin.Context) {
		state := loop.State()
		code := http.StatusOK
		status := "ok"
		if state == worker.StateStopping || state == worker.StateStopped {
			code = http.StatusServiceUnavailable
			status = "shutting_down"
		}
		c.JSON(code, gin.H{
			"status":       status,
			"worker_id":    workerId,
			"worker_state": state,
			"in_flight":    loop.InFlight(),
		})
	})
}

func newRecognizer(cfg *config.Config) service.Recognizer {
	if cfg.Whisper.Backend == constant.RecognizerOpenAI {
		return whisper.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.Whisper.Language)
	}
	return whisper.NewCLI(cfg.Whisper.Binary, cfg.Whisper.Model, cfg.Whisper.Language, command.ExecRunner{})
}

func logStartup(ctx context.Context, cfg *config.Config) {
	w := cfg.Worker
	zerolog.Ctx(ctx).Info().
		Str("worker_id", cfg.App.WorkerId).
		Int("concurrency", w.Concurrency).
		Int("max_messages", w.MaxMessages).
		Dur("wait_time", w.WaitTime).
		Dur("idle_delay", w.IdleDelay).
		Int("lease_stale_seconds", w.LeaseStaleSeconds).
		Int("max_attempts", w.MaxAttempts).
		Dur("job_timeout", w.JobTimeout).
		Str("tmp_root", w.TmpRoot()).
		Str("queue", cfg.Queue.Queue).
		Str("recognizer", string(cfg.Whisper.Backend)).
		Bool("status_cache", cfg.Redis.Enabled()).
		Msg("worker configuration")
}

// SetupLogger stores the process logger in a fresh context. Output is
// human readable on a terminal and JSON otherwise.
func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(logOutput(os.Stdout)).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}

func logOutput(f *os.File) io.Writer {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339}
	}
	return f
}
