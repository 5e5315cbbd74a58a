// Command pilotd runs the browser automation daemon: the session manager,
// the knowledge extraction pipeline and the HTTP orchestration surface in
// one process. Configuration comes from flags, each overridable through the
// environment variable named next to it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/pilot/bus/janitor"
	temporalengine "goa.design/pilot/engine/temporal"
	chromedriver "goa.design/pilot/features/driver/chromedp"
	anthropicllm "goa.design/pilot/features/llm/anthropic"
	"goa.design/pilot/features/llm/middleware"
	openaillm "goa.design/pilot/features/llm/openai"
	placementrmap "goa.design/pilot/features/placement/rmap"
	mongostore "goa.design/pilot/features/store/mongo"
	pulsebus "goa.design/pilot/features/stream/pulse"
	"goa.design/pilot/knowledge/extract"
	"goa.design/pilot/knowledge/flow"
	"goa.design/pilot/knowledge/ingest"
	"goa.design/pilot/llm"
	"goa.design/pilot/orchestrator"
	"goa.design/pilot/session"
	"goa.design/pilot/telemetry"
)

func main() {
	var (
		httpAddrF       = flag.String("http-addr", envOr("PILOT_HTTP_ADDR", ":8080"), "HTTP listen address (PILOT_HTTP_ADDR)")
		redisAddrF      = flag.String("redis-addr", envOr("PILOT_REDIS_ADDR", "localhost:6379"), "Redis address (PILOT_REDIS_ADDR)")
		redisPasswordF  = flag.String("redis-password", envOr("PILOT_REDIS_PASSWORD", ""), "Redis password (PILOT_REDIS_PASSWORD)")
		mongoURIF       = flag.String("mongo-uri", envOr("PILOT_MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection URI (PILOT_MONGO_URI)")
		mongoDBF        = flag.String("mongo-db", envOr("PILOT_MONGO_DB", "pilot"), "MongoDB database (PILOT_MONGO_DB)")
		temporalHostF   = flag.String("temporal-host", envOr("PILOT_TEMPORAL_HOST", "localhost:7233"), "Temporal frontend host:port (PILOT_TEMPORAL_HOST)")
		temporalNSF     = flag.String("temporal-namespace", envOr("PILOT_TEMPORAL_NAMESPACE", "default"), "Temporal namespace (PILOT_TEMPORAL_NAMESPACE)")
		taskQueueF      = flag.String("task-queue", envOr("PILOT_TASK_QUEUE", flow.DefaultTaskQueue), "extraction task queue (PILOT_TASK_QUEUE)")
		chromePathF     = flag.String("chrome-path", envOr("PILOT_CHROME_PATH", ""), "browser binary path (PILOT_CHROME_PATH)")
		cdpURLF         = flag.String("cdp-url", envOr("PILOT_CDP_URL", ""), "attach to a running browser over CDP instead of launching (PILOT_CDP_URL)")
		headlessF       = flag.Bool("headless", envBool("PILOT_HEADLESS", true), "launch the browser headless (PILOT_HEADLESS)")
		anthropicKeyF   = flag.String("anthropic-key", envOr("ANTHROPIC_API_KEY", ""), "Anthropic API key, empty skips business extraction (ANTHROPIC_API_KEY)")
		anthropicModelF = flag.String("anthropic-model", envOr("PILOT_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"), "completion model (PILOT_ANTHROPIC_MODEL)")
		openaiKeyF      = flag.String("openai-key", envOr("OPENAI_API_KEY", ""), "OpenAI API key, empty skips video transcription (OPENAI_API_KEY)")
		whisperModelF   = flag.String("whisper-model", envOr("PILOT_WHISPER_MODEL", "whisper-1"), "transcription model (PILOT_WHISPER_MODEL)")
		llmTPMF         = flag.Float64("llm-tpm", envFloat("PILOT_LLM_TPM", 60000), "LLM tokens-per-minute budget (PILOT_LLM_TPM)")
		verifyF         = flag.Bool("verify", envBool("PILOT_VERIFY", false), "enable the browser verification phase (PILOT_VERIFY)")
		dbgF            = flag.Bool("debug", envBool("PILOT_DEBUG", false), "mount debug endpoints and log request bodies (PILOT_DEBUG)")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	if err := run(ctx, config{
		httpAddr:       *httpAddrF,
		redisAddr:      *redisAddrF,
		redisPassword:  *redisPasswordF,
		mongoURI:       *mongoURIF,
		mongoDB:        *mongoDBF,
		temporalHost:   *temporalHostF,
		temporalNS:     *temporalNSF,
		taskQueue:      *taskQueueF,
		chromePath:     *chromePathF,
		cdpURL:         *cdpURLF,
		headless:       *headlessF,
		anthropicKey:   *anthropicKeyF,
		anthropicModel: *anthropicModelF,
		openaiKey:      *openaiKeyF,
		whisperModel:   *whisperModelF,
		llmTPM:         *llmTPMF,
		verify:         *verifyF,
		debug:          *dbgF,
	}, logger, metrics); err != nil {
		log.Fatalf(ctx, err, "pilotd exiting")
	}
}

type config struct {
	httpAddr       string
	redisAddr      string
	redisPassword  string
	mongoURI       string
	mongoDB        string
	temporalHost   string
	temporalNS     string
	taskQueue      string
	chromePath     string
	cdpURL         string
	headless       bool
	anthropicKey   string
	anthropicModel string
	openaiKey      string
	whisperModel   string
	llmTPM         float64
	verify         bool
	debug          bool
}

func run(ctx context.Context, cfg config, logger telemetry.Logger, metrics telemetry.Metrics) error {
	// Brokers and stores first; everything else hangs off them.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr, Password: cfg.redisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis at %s: %w", cfg.redisAddr, err)
	}

	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongodriver.Connect(mongoCtx, mongooptions.Client().ApplyURI(cfg.mongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo at %s: %w", cfg.mongoURI, err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		if err := mongoClient.Disconnect(dctx); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	store, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.mongoDB})
	if err != nil {
		return fmt.Errorf("build knowledge store: %w", err)
	}

	msgBus, err := pulsebus.New(pulsebus.Options{Redis: rdb, Logger: logger})
	if err != nil {
		return fmt.Errorf("build message bus: %w", err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := msgBus.Close(cctx); err != nil {
			log.Errorf(ctx, err, "close message bus")
		}
	}()

	registry, err := placementrmap.Join(ctx, rdb, placementrmap.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("join placement map: %w", err)
	}

	eng, err := temporalengine.New(temporalengine.Options{
		ClientOptions: &temporalclient.Options{HostPort: cfg.temporalHost, Namespace: cfg.temporalNS},
		WorkerOptions: temporalengine.WorkerOptions{TaskQueue: cfg.taskQueue},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build workflow engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Errorf(ctx, err, "close workflow engine")
		}
	}()

	drivers := chromedriver.NewFactory(chromedriver.Options{
		CDPURL:     cfg.cdpURL,
		ChromePath: cfg.chromePath,
		Headless:   cfg.headless,
		Logger:     logger,
	})
	defer drivers.Close()

	// Language models. The text extractor is optional; without a key the
	// pipeline skips business-entity synthesis and video transcription
	// rejects video sources.
	var (
		text        *extract.TextExtractor
		transcriber llm.Transcriber
	)
	if cfg.anthropicKey != "" {
		llmBudget, err := rmap.Join(ctx, "pilot:llm:budget", rdb)
		if err != nil {
			return fmt.Errorf("join llm budget map: %w", err)
		}
		limiter := middleware.NewAdaptiveRateLimiter(ctx, llmBudget, "anthropic", cfg.llmTPM, 4*cfg.llmTPM)
		client, err := anthropicllm.NewFromAPIKey(cfg.anthropicKey, anthropicllm.Options{DefaultModel: cfg.anthropicModel})
		if err != nil {
			return fmt.Errorf("build anthropic client: %w", err)
		}
		text, err = extract.NewTextExtractor(limiter.TextMiddleware()(client), cfg.anthropicModel)
		if err != nil {
			return fmt.Errorf("build text extractor: %w", err)
		}
	}
	if cfg.openaiKey != "" {
		client, err := openaillm.NewFromAPIKey(cfg.openaiKey, openaillm.Options{
			DefaultModel:    cfg.whisperModel,
			TranscribeModel: cfg.whisperModel,
		})
		if err != nil {
			return fmt.Errorf("build openai client: %w", err)
		}
		transcriber = client
	}

	pipeline, err := flow.New(flow.Options{
		Engine:    eng,
		Store:     store,
		Ingester:  ingest.NewDefaultRouter(transcriber, cfg.whisperModel),
		Text:      text,
		Drivers:   drivers,
		Bus:       msgBus,
		Verify:    cfg.verify,
		TaskQueue: cfg.taskQueue,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("build extraction pipeline: %w", err)
	}
	if err := pipeline.Register(ctx); err != nil {
		return fmt.Errorf("register extraction workflow: %w", err)
	}

	sessions, err := session.NewManager(session.ManagerOptions{
		Drivers:  drivers,
		Bus:      msgBus,
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	svc, err := orchestrator.New(orchestrator.Options{
		Sessions: sessions,
		Pipeline: pipeline,
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	// One janitor pass per cluster sweeps abandoned room streams.
	node, err := pool.AddNode(ctx, "pilot", rdb)
	if err != nil {
		return fmt.Errorf("join worker pool: %w", err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := node.Close(cctx); err != nil {
			log.Errorf(ctx, err, "close pool node")
		}
	}()
	jan, err := janitor.New(janitor.Options{Redis: rdb, Node: node, Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("build stream janitor: %w", err)
	}

	srv := svc.NewServer(ctx, cfg.httpAddr, orchestrator.HandlerOptions{
		Debug:   cfg.debug,
		Pingers: []health.Pinger{store, redisPinger{rdb: rdb}},
	})

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := jan.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Errorf(ctx, err, "stream janitor stopped")
		}
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.httpAddr)
		errc <- srv.ListenAndServe()
	}()

	reason := <-errc
	log.Printf(ctx, "shutting down: %v", reason)
	stop()

	// Stop taking requests, then close live sessions so drivers and tracks
	// release before their factories do.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Errorf(ctx, err, "shutdown http server")
	}
	if err := sessions.Close(shutCtx); err != nil {
		log.Errorf(ctx, err, "close sessions")
	}
	return nil
}

// redisPinger exposes the broker connection on /healthz.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
