// Command threads-worker runs a reference worker for the agent thread
// gateway.
//
// The worker joins the dispatch consumer group, marks each delivered run as
// processing, appends a result event to the owning thread's log and finalizes
// the run with a completed terminal event. Tasks named "ping" answer
// "pong"; everything else echoes its parameters. Delivery is at-least-once,
// so a redelivered run may gain a duplicate result event but never a second
// terminal: terminal writes are idempotent per run.
//
// # Configuration
//
// An optional YAML file (-config) provides defaults; environment variables
// override it:
//
//	REDIS_URL                - Redis address (default "localhost:6379")
//	REDIS_PASSWORD           - Redis password (optional)
//	THREADS_KEY_PREFIX       - Redis key namespace (default "threads")
//	THREADS_RUN_TTL          - run record retention (default 24h)
//	THREADS_EVENT_MAX_LEN    - per-thread event stream cap (default 1000)
//	THREADS_EVENT_TTL        - event retention (default 168h)
//	THREADS_DISPATCH_STREAM  - dispatch stream name (default "task_dispatch")
//	THREADS_DISPATCH_SINK    - consumer group name (default "threads_worker")
//	THREADS_DEBUG            - debug logs (default false)
//
// Workers sharing a sink name compete for tasks; scale by starting more
// processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/threads/config"
	"goa.design/threads/dispatch"
	"goa.design/threads/eventlog"
	dispatchpulse "goa.design/threads/features/dispatch/pulse"
	clientspulse "goa.design/threads/features/dispatch/pulse/clients/pulse"
	logredis "goa.design/threads/features/eventlog/redis"
	runredis "goa.design/threads/features/run/redis"
	"goa.design/threads/run"
)

// resultEvent is the event type carrying task output. Business event types
// are producer-defined; the gateway and stream sessions treat them opaquely.
const resultEvent = eventlog.Type("result")

func main() {
	var (
		configF = flag.String("config", "", "path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "enable debug logs")
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

	if err := runWorker(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "worker exited")
	}
}

func runWorker(ctx context.Context, cfg *config.Config) error {
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
	appender, err := eventlog.NewAppender(eventlog.AppenderOptions{Events: eventStore, Runs: runStore})
	if err != nil {
		return fmt.Errorf("create event appender: %w", err)
	}

	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	sub, err := dispatchpulse.NewSubscriber(dispatchpulse.SubscriberOptions{
		Client:     pulseClient,
		StreamName: cfg.Dispatch.Stream,
		SinkName:   cfg.Dispatch.Sink,
	})
	if err != nil {
		return fmt.Errorf("create task subscriber: %w", err)
	}
	tasks, errs, stop, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to task stream: %w", err)
	}
	defer stop()

	// Create channel used by the signal handler and consumer goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		for t := range tasks {
			process(ctx, appender, t)
		}
		errc <- fmt.Errorf("task stream closed")
	}()
	go func() {
		for err := range errs {
			log.Errorf(ctx, err, "consume tasks")
		}
	}()

	log.Printf(ctx, "worker consuming %q as %q", cfg.Dispatch.Stream, cfg.Dispatch.Sink)
	log.Printf(ctx, "exiting (%v)", <-errc)
	log.Printf(ctx, "exited")
	return nil
}

// process executes one task against its run: mark processing, append the
// result, finalize completed. Failures finalize the run as failed so no
// stream session waits on a run that will never terminate.
func process(ctx context.Context, appender *eventlog.Appender, t *dispatch.Task) {
	ctx = dispatch.ExtractTraceContext(ctx, t)
	log.Printf(ctx, "run %s: task %q (thread %s)", t.RunID, t.Task, t.ThreadID)

	if err := appender.MarkProcessing(ctx, t.ThreadID, t.RunID); err != nil {
		// A missing run means the record expired or the thread is gone;
		// there is nothing left to report against.
		log.Errorf(ctx, err, "run %s: mark processing", t.RunID)
		return
	}
	if _, err := appender.Append(ctx, t.ThreadID, resultEvent, t.RunID, result(t)); err != nil {
		log.Errorf(ctx, err, "run %s: append result", t.RunID)
		fail(ctx, appender, t, err)
		return
	}
	if _, err := appender.AppendTerminal(ctx, t.ThreadID, t.RunID, run.StatusCompleted, nil); err != nil {
		log.Errorf(ctx, err, "run %s: append terminal", t.RunID)
		fail(ctx, appender, t, err)
		return
	}
	log.Printf(ctx, "run %s: completed", t.RunID)
}

// fail finalizes the run as failed. Double faults are logged and dropped; the
// run record then stays non-terminal until its TTL reaps it.
func fail(ctx context.Context, appender *eventlog.Appender, t *dispatch.Task, cause error) {
	if _, err := appender.FailRun(ctx, t.ThreadID, t.RunID, cause.Error(), nil); err != nil {
		log.Errorf(ctx, err, "run %s: finalize failed", t.RunID)
	}
}

// result computes the task output. The worker is a reference implementation:
// "ping" answers "pong", anything else echoes the task and its parameters.
func result(t *dispatch.Task) map[string]any {
	if t.Task == "ping" {
		return map[string]any{"content": "pong"}
	}
	out := map[string]any{"task": t.Task}
	if len(t.Parameters) > 0 {
		out["parameters"] = t.Parameters
	}
	return out
}
