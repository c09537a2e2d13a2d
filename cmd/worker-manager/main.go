// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"analysis-workers/internal/agent/extcontext"
	"analysis-workers/internal/agent/gemini"
	"analysis-workers/internal/agent/orchestrator"
	"analysis-workers/internal/agent/sandbox"
	awsclient "analysis-workers/internal/common/aws"
	"analysis-workers/internal/common/camunda"
	"analysis-workers/internal/common/config"
	"analysis-workers/internal/common/database"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/common/observability"
	"analysis-workers/internal/common/storage"
	"analysis-workers/internal/common/whatsapp"
	"analysis-workers/internal/runs"
	"analysis-workers/internal/session"
	"analysis-workers/internal/webhook"
	"analysis-workers/pkg/registry"

	ra "analysis-workers/internal/workers/analysis/run-analysis"
	nu "analysis-workers/internal/workers/delivery/notify-user"
	rr "analysis-workers/internal/workers/reporting/render-report"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...", zap.String("environment", cfg.App.Environment))

	obs := observability.New(observability.Options{
		ServiceName:    cfg.Observability.ServiceName,
		JaegerEndpoint: cfg.Observability.JaegerEndpoint,
		Logger:         log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init Zeebe Client with retry ---
	var zeebe *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			ConnectionTimeout:      10 * time.Second,
			RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
		})
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()

	runRepo := runs.NewRepository(pg.DB)
	if err := runRepo.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("analysis_runs schema setup failed", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init object storage with retry ---
	var blobs *storage.Client
	err = retryWithBackoff(func() error {
		var err error
		blobs, err = storage.NewClient(cfg.Storage, log)
		if err != nil {
			return err
		}
		return blobs.EnsureBucket(ctx)
	}, 10, 2*time.Second, zapLog, "Object storage connection")
	if err != nil {
		zapLog.Fatal("object storage failed after retries", zap.Error(err))
	}
	zapLog.Info("Object storage ready", zap.String("bucket", blobs.Bucket()))

	// --- Analysis core ---
	model := gemini.NewClient(gemini.Config{
		BaseURL:    cfg.APIs.Gemini.BaseURL,
		APIKey:     cfg.APIs.Gemini.APIKey,
		Model:      cfg.APIs.Gemini.Model,
		Timeout:    config.GetDuration(cfg.APIs.Gemini.Timeout),
		MaxRetries: cfg.APIs.Gemini.MaxRetries,
	}, log)

	provider, err := sandbox.NewDockerProvider(cfg.Agent.Sandbox, log)
	if err != nil {
		zapLog.Fatal("docker client failed", zap.Error(err))
	}
	defer provider.Close()
	if err := provider.Ping(ctx); err != nil {
		// Runs fail with SANDBOX_UNAVAILABLE until the daemon is back.
		zapLog.Warn("docker daemon not reachable", zap.Error(err))
	}

	fetcher := extcontext.NewFetcher(extcontext.Config{
		Endpoint:  cfg.APIs.Exa.MCPEndpoint,
		APIKey:    cfg.APIs.Exa.APIKey,
		CrawlTool: cfg.Agent.CrawlTool,
		Timeout:   config.GetDuration(cfg.Agent.ContextTimeout),
	}, log)

	analyzer := orchestrator.New(model, provider, fetcher, orchestrator.Config{
		MinCharts:         cfg.Agent.MinCharts,
		MaxRounds:         cfg.Agent.MaxRounds,
		OutputCharLimit:   cfg.Agent.OutputCharLimit,
		FallbackMinLength: cfg.Agent.FallbackMinLength,
		SetupTimeout:      config.GetDuration(cfg.Agent.Sandbox.SetupTimeout),
	}, log, orchestrator.WithTracer(obs.Tracer()))

	sessions := session.NewStore(redis.Client, config.GetDuration(cfg.Session.SessionTTL), log)
	dedup := session.NewDeduplicator(redis.Client, config.GetDuration(cfg.Session.DedupTTL))
	wa := whatsapp.NewClient(cfg.WhatsApp, log)

	// --- Optional AWS channels ---
	var sesSvc nu.SESService
	if cfg.Integrations.AWS.SES.Enabled {
		client, err := awsclient.NewSESClient(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			zapLog.Fatal("failed to create SES client", zap.Error(err))
		}
		sesSvc = client
	}
	var snsSvc nu.SNSService
	if cfg.Integrations.AWS.SNS.Enabled {
		client, err := awsclient.NewSNSClient(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			zapLog.Fatal("failed to create SNS client", zap.Error(err))
		}
		snsSvc = client
	}

	// --- Activity registry ---
	activities, err := registry.LoadRegistry(registry.DefaultPath)
	if err != nil {
		zapLog.Warn("activity registry not loaded", zap.String("path", registry.DefaultPath), zap.Error(err))
	} else if err := activities.Validate(); err != nil {
		zapLog.Fatal("activity registry invalid", zap.Error(err))
	}

	// --- Register Workers ---
	var workers []*camunda.CamundaWorker
	register := func(taskType string, handle camunda.ContextJobHandlerFunc) {
		if !config.IsWorkerEnabled(cfg, taskType) {
			zapLog.Info("worker disabled", zap.String("taskType", taskType))
			return
		}
		if activity, ok := activities.Find(taskType); ok {
			zapLog.Info("registering activity",
				zap.String("taskType", taskType),
				zap.String("version", activity.Version),
				zap.Strings("errorCodes", activity.ErrorCodes),
			)
		} else {
			zapLog.Warn("worker has no activity registry entry", zap.String("taskType", taskType))
		}
		wcfg := config.GetWorkerConfig(cfg, taskType)
		workers = append(workers, camunda.NewWorker(zeebe.GetClient(), taskType, wcfg, traced(obs, taskType, handle), log))
	}

	register(ra.TaskType, ra.NewHandler(
		&ra.Config{Timeout: ra.TimeoutWithin(config.GetDuration(config.GetWorkerConfig(cfg, ra.TaskType).Timeout))},
		analyzer, blobs, runRepo, sessions, log,
	).HandleContext)

	rrConfig := &rr.Config{
		Timeout:       config.GetDuration(cfg.Renderer.Timeout),
		PresignExpiry: config.GetDuration(cfg.Storage.PresignExpiry),
		ChromePath:    cfg.Renderer.ChromePath,
		PaperWidth:    cfg.Renderer.PaperWidth,
		PaperHeight:   cfg.Renderer.PaperHeight,
	}
	register(rr.TaskType, rr.NewHandler(rrConfig, blobs, rr.NewChromePrinter(rrConfig), log).HandleContext)

	register(nu.TaskType, nu.NewHandler(
		&nu.Config{
			EmailEnabled: sesSvc != nil,
			SMSEnabled:   snsSvc != nil,
			FromEmail:    cfg.Integrations.AWS.SES.FromEmail,
			SMSSenderID:  cfg.Integrations.AWS.SNS.DefaultSMSSenderID,
			Timeout:      config.GetDuration(config.GetWorkerConfig(cfg, nu.TaskType).Timeout),
		},
		wa, sesSvc, snsSvc, log,
	).HandleContext)

	zapLog.Info("Workers registered", zap.Int("count", len(workers)))

	// --- HTTP: health, metrics, webhook ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pg.Ping(checkCtx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "postgres unavailable")
			return
		}
		if err := redis.Ping(checkCtx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	webhook.NewHandler(webhook.Config{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		ProcessID:   cfg.Camunda.ProcessID,
	}, wa, dedup, sessions, blobs, zeebe, log).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		zapLog.Info("Shutdown signal received, stopping workers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			zapLog.Error("HTTP server shutdown failed", zap.Error(err))
		}
		for _, w := range workers {
			w.Stop()
		}
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
		obs.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		zapLog.Error("worker manager exited with error", zap.Error(err))
		stop()
		os.Exit(1)
	}
	zapLog.Info("Worker manager stopped gracefully")
}

// traced records a span and an OpenTelemetry duration sample per job and
// hands the span context to the handler.
func traced(obs *observability.Observability, taskType string, handle camunda.ContextJobHandlerFunc) camunda.JobHandlerFunc {
	return func(client worker.JobClient, job entities.Job) {
		ctx, span := obs.StartSpan(context.Background(), taskType,
			attribute.Int64("job.key", job.GetKey()),
			attribute.Int64("process.instance.key", job.GetProcessInstanceKey()),
		)
		start := time.Now()
		defer func() {
			span.End()
			obs.RecordJobDuration(ctx, taskType, time.Since(start), "handled")
			obs.RecordJobProcessed(ctx, taskType, "handled")
		}()
		handle(ctx, client, job)
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}
