// Command threads runs the agent thread gateway.
//
// The gateway exposes the HTTP surface clients use to create threads,
// dispatch agent tasks and tail per-thread event logs over server-sent
// events. Accepted tasks are handed to the worker pool through a Pulse
// stream; workers report progress through the shared event log, never back
// through the gateway, so any number of gateway replicas can serve the same
// Redis.
//
// # Configuration
//
// An optional YAML file (-config) provides defaults; environment variables
// override it:
//
//	THREADS_HTTP_ADDR         - HTTP listen address (default ":8080")
//	REDIS_URL                 - Redis address (default "localhost:6379")
//	REDIS_PASSWORD            - Redis password (optional)
//	MONGO_URL                 - MongoDB connection string; when set the
//	                            thread store moves from Redis to MongoDB
//	MONGO_DATABASE            - MongoDB database name (default "threads")
//	THREADS_KEY_PREFIX        - Redis key namespace (default "threads")
//	THREADS_THREAD_TTL        - thread expiry (default 168h)
//	THREADS_RUN_TTL           - run record retention (default 24h)
//	THREADS_SINGLE_ACTIVE_RUN - serialize runs per thread (default false)
//	THREADS_EVENT_MAX_LEN     - per-thread event stream cap (default 1000)
//	THREADS_EVENT_TTL         - event retention (default 168h)
//	THREADS_KEEP_ALIVE        - stream keep-alive interval (default 30s)
//	THREADS_IDLE_TIMEOUT      - stream idle timeout (default 5m)
//	THREADS_MAX_SESSION       - stream session lifetime cap (default 30m)
//	THREADS_STREAM_BUFFER     - per-session event buffer (default 100)
//	THREADS_READ_BATCH        - events per log read (default 100)
//	THREADS_READ_BLOCK        - live read block interval (default 5s)
//	THREADS_DISPATCH_STREAM   - dispatch stream name (default "task_dispatch")
//	THREADS_DISPATCH_MAX_LEN  - dispatch stream length cap
//	THREADS_PUBLISH_TIMEOUT   - per-publish timeout (default unbounded)
//	THREADS_PUBLISH_RPS       - publish rate limit (default off)
//	THREADS_PUBLISH_BURST     - publish rate limit burst
//	THREADS_DEBUG             - debug logs and endpoints (default false)
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/threads
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/threads/config"
	"goa.design/threads/coordinator"
	"goa.design/threads/dispatch"
	"goa.design/threads/eventlog"
	dispatchmiddleware "goa.design/threads/features/dispatch/middleware"
	dispatchpulse "goa.design/threads/features/dispatch/pulse"
	clientspulse "goa.design/threads/features/dispatch/pulse/clients/pulse"
	logredis "goa.design/threads/features/eventlog/redis"
	runredis "goa.design/threads/features/run/redis"
	threadmongo "goa.design/threads/features/thread/mongo"
	threadredis "goa.design/threads/features/thread/redis"
	"goa.design/threads/httpapi"
	"goa.design/threads/stream"
	"goa.design/threads/thread"
)

func main() {
	var (
		configF = flag.String("config", "", "path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "enable debug logs and endpoints")
	)
	flag.Parse()

	// Setup logger: JSON in production, human friendly on a terminal, trace
	// and span IDs on every entry.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format), log.WithFunc(log.Span))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "gateway exited")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Connect to Redis. The run and event stores and the dispatch stream all
	// share the connection.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Thread store: MongoDB when configured, Redis otherwise.
	var (
		threadStore thread.Store
		pingers     []health.Pinger
	)
	if cfg.Mongo.URL != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URL))
		if err != nil {
			return fmt.Errorf("connect to mongodb: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Errorf(ctx, err, "disconnect mongodb")
			}
		}()
		ms := threadmongo.New(mc.Database(cfg.Mongo.Database).Collection("threads"))
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure thread indexes: %w", err)
		}
		threadStore = ms
		pingers = append(pingers, ms)
	} else {
		rs, err := threadredis.NewStore(threadredis.Options{Client: rdb, KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			return fmt.Errorf("create thread store: %w", err)
		}
		threadStore = rs
	}

	registry, err := thread.NewRegistry(thread.RegistryOptions{Store: threadStore, TTL: cfg.Thread.TTL})
	if err != nil {
		return fmt.Errorf("create thread registry: %w", err)
	}

	runStore, err := runredis.NewStore(runredis.Options{
		Client:    rdb,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Run.TTL,
	})
	if err != nil {
		return fmt.Errorf("create run store: %w", err)
	}

	eventStore, err := logredis.NewStore(logredis.Options{
		Client:    rdb,
		KeyPrefix: cfg.Redis.KeyPrefix,
		MaxLen:    int64(cfg.EventLog.MaxLen),
		TTL:       cfg.EventLog.TTL,
	})
	if err != nil {
		return fmt.Errorf("create event log: %w", err)
	}
	pingers = append(pingers, eventStore)

	appender, err := eventlog.NewAppender(eventlog.AppenderOptions{Events: eventStore, Runs: runStore})
	if err != nil {
		return fmt.Errorf("create event appender: %w", err)
	}

	// Dispatch channel: a Pulse stream on the shared Redis, optionally rate
	// limited per gateway process.
	pulseClient, err := clientspulse.New(clientspulse.Options{
		Redis:            rdb,
		StreamMaxLen:     cfg.Dispatch.StreamMaxLen,
		OperationTimeout: cfg.Dispatch.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	var publisher dispatch.Publisher
	publisher, err = dispatchpulse.NewPublisher(dispatchpulse.PublisherOptions{
		Client:     pulseClient,
		StreamName: cfg.Dispatch.Stream,
	})
	if err != nil {
		return fmt.Errorf("create task publisher: %w", err)
	}
	if cfg.Dispatch.PublishPerSec > 0 {
		limiter := dispatchmiddleware.NewPublishLimiter(cfg.Dispatch.PublishPerSec, cfg.Dispatch.PublishBurst)
		publisher = limiter.Middleware()(publisher)
	}

	svc, err := coordinator.NewService(coordinator.ServiceOptions{
		Threads:         registry,
		Runs:            runStore,
		Appender:        appender,
		Dispatch:        publisher,
		SingleActiveRun: cfg.Run.SingleActive,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	streams, err := stream.New(stream.Options{
		Threads:     registry,
		Events:      eventStore,
		KeepAlive:   cfg.Stream.KeepAlive,
		IdleTimeout: cfg.Stream.IdleTimeout,
		MaxDuration: cfg.Stream.MaxDuration,
		Buffer:      cfg.Stream.Buffer,
		ReadBatch:   cfg.Stream.ReadBatch,
		ReadBlock:   cfg.Stream.ReadBlock,
	})
	if err != nil {
		return fmt.Errorf("create stream manager: %w", err)
	}

	handler, err := httpapi.New(httpapi.Options{Coordinator: svc, Streams: streams})
	if err != nil {
		return fmt.Errorf("create http handler: %w", err)
	}

	// HTTP server. Request contexts carry the logger; debug mode adds payload
	// logging, the runtime log level toggle and the profiler.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(log.HTTP(ctx)))
	if cfg.Debug {
		e.Use(echo.WrapMiddleware(debug.HTTP()))
		dmux := http.NewServeMux()
		debug.MountDebugLogEnabler(dmux)
		debug.MountPprofHandlers(dmux)
		e.Any("/debug", echo.WrapHandler(dmux))
		e.Any("/debug/*", echo.WrapHandler(dmux))
	}
	handler.RegisterRoutes(e)
	httpapi.RegisterHealth(e, pingers...)

	// Create channel used by both the signal handler and server goroutine to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		errc <- e.Start(cfg.HTTP.Addr)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Shutdown gracefully: let in-flight stream sessions flush their close
	// frames before the listener goes away.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown HTTP server")
	}
	log.Printf(ctx, "exited")
	return nil
}
