package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"agentflow.dev/agentflow/features/agents/claude"
	"agentflow.dev/agentflow/features/agents/codex"
	"agentflow.dev/agentflow/features/agents/middleware"
	journalmongo "agentflow.dev/agentflow/features/journal/mongo"
	journalmongoc "agentflow.dev/agentflow/features/journal/mongo/clients/mongo"
	storemongo "agentflow.dev/agentflow/features/store/mongo"
	storemongoc "agentflow.dev/agentflow/features/store/mongo/clients/mongo"
	"agentflow.dev/agentflow/features/stream/pulse"
	pulseclients "agentflow.dev/agentflow/features/stream/pulse/clients/pulse"
	"agentflow.dev/agentflow/features/trigger/cron"
	"agentflow.dev/agentflow/runtime/workflow"
	"agentflow.dev/agentflow/runtime/workflow/agents"
	"agentflow.dev/agentflow/runtime/workflow/engine"
	"agentflow.dev/agentflow/runtime/workflow/events"
	"agentflow.dev/agentflow/runtime/workflow/journal"
	journalmem "agentflow.dev/agentflow/runtime/workflow/journal/inmem"
	"agentflow.dev/agentflow/runtime/workflow/store"
	storemem "agentflow.dev/agentflow/runtime/workflow/store/inmem"
	"agentflow.dev/agentflow/runtime/workflow/telemetry"
	"agentflow.dev/agentflow/server"
)

func main() {
	// Define command line flags, add any other flag required to configure
	// the service.
	var (
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides the config file)")
		configF   = flag.String("config", "", "Path to the optional YAML config file")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *httpAddrF != "" {
		cfg.HTTPAddr = *httpAddrF
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr})

	logger := telemetry.NewClueLogger()

	// Build the persistence layer: MongoDB when a URI is configured, the
	// in-memory stores otherwise.
	var (
		workflows    store.WorkflowStore
		executions   store.ExecutionStore
		journalStore journal.Store
		mongoClient  *mongodriver.Client
		pingers      []health.Pinger
	)
	if cfg.Mongo.URI != "" {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mongoClient, err = mongodriver.Connect(cctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		cancel()
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB")
		}
		sc, err := storemongoc.New(storemongoc.Options{Client: mongoClient, Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "build store client")
		}
		jc, err := journalmongoc.New(journalmongoc.Options{Client: mongoClient, Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "build journal client")
		}
		ws, err := storemongo.NewWorkflowStore(sc)
		if err != nil {
			log.Fatalf(ctx, err, "build workflow store")
		}
		es, err := storemongo.NewExecutionStore(sc)
		if err != nil {
			log.Fatalf(ctx, err, "build execution store")
		}
		js, err := journalmongo.NewStore(jc)
		if err != nil {
			log.Fatalf(ctx, err, "build journal store")
		}
		workflows, executions, journalStore = ws, es, js
		pingers = append(pingers, sc, jc)
		log.Print(ctx, log.KV{K: "storage", V: "mongodb"}, log.KV{K: "database", V: cfg.Mongo.Database})
	} else {
		workflows = storemem.NewWorkflowStore()
		executions = storemem.NewExecutionStore()
		journalStore = journalmem.New()
		log.Print(ctx, log.KV{K: "storage", V: "inmem"})
	}

	// Mirror execution events to Pulse streams and share the agent rate
	// limits across processes when Redis is configured.
	var (
		sinks    []events.Sink
		limitMap *rmap.Map
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pc, err := pulseclients.New(pulseclients.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse client")
		}
		sink, err := pulse.NewSink(pulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse sink")
		}
		sinks = append(sinks, sink)
		limitMap, err = rmap.Join(ctx, "agentflow-limits", rdb)
		if err != nil {
			log.Fatalf(ctx, err, "join limits map")
		}
		pingers = append(pingers, redisPinger{client: rdb})
		log.Print(ctx, log.KV{K: "stream", V: "pulse"}, log.KV{K: "redis", V: cfg.Redis.Addr})
	}

	// Register the agent backends named in the config. A missing API key
	// leaves the node type unregistered and validation rejects workflows
	// that use it.
	reg := agents.NewRegistry()
	if cfg.Claude.APIKey != "" {
		backend, err := claude.NewFromAPIKey(cfg.Claude.APIKey, claude.Options{
			DefaultModel:   cfg.Claude.Model,
			MaxTokens:      cfg.Claude.MaxTokens,
			ThinkingBudget: cfg.Claude.ThinkingBudget,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build claude backend")
		}
		reg.Register(workflow.TypeClaude, guard(ctx, "claude", backend, cfg.Claude.Limits, limitMap))
	}
	if cfg.Codex.APIKey != "" {
		backend, err := codex.NewFromAPIKey(cfg.Codex.APIKey, codex.Options{
			DefaultModel: cfg.Codex.Model,
			MaxTokens:    cfg.Codex.MaxTokens,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build codex backend")
		}
		reg.Register(workflow.TypeCodex, guard(ctx, "codex", backend, cfg.Codex.Limits, limitMap))
	}
	log.Print(ctx, log.KV{K: "backends", V: len(reg.Types())})

	eng, err := engine.New(engine.Options{
		Workflows:  workflows,
		Executions: executions,
		Journal:    journalStore,
		Sinks:      sinks,
		Agents:     reg,
		Logger:     logger,
		Metrics:    telemetry.NewClueMetrics(),
		Tracer:     telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	srv, err := server.New(server.Options{
		Engine:     eng,
		Workflows:  workflows,
		Executions: executions,
		Journal:    journalStore,
		Logger:     logger,
		Health:     pingers,
		Debug:      *dbgF,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Schedule the configured cron starts.
	var trigger *cron.Trigger
	if len(cfg.Cron) > 0 {
		trigger, err = cron.New(cron.Options{Starter: eng, Entries: cfg.Cron, Logger: logger})
		if err != nil {
			log.Fatal(ctx, err)
		}
		trigger.Start()
		log.Print(ctx, log.KV{K: "cronEntries", V: trigger.Entries()})
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the service.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the service to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Start the server and send errors (if any) to the error channel.
	handleHTTPServer(ctx, cfg.HTTPAddr, srv.Handler(ctx), &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()

	// Drain scheduled jobs and in-flight executions, bounded.
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if trigger != nil {
		if err := trigger.Stop(sctx); err != nil {
			log.Printf(ctx, "cron stop: %v", err)
		}
	}
	if err := eng.Close(sctx); err != nil {
		log.Printf(ctx, "engine close: %v", err)
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(sctx); err != nil {
			log.Printf(ctx, "mongo disconnect: %v", err)
		}
	}
	log.Printf(ctx, "exited")
}

// guard wraps an agent backend with the shared boundary middleware: the
// circuit breaker sits outermost so an open circuit fails fast without
// consuming rate limiter budget. The limiter budget is cluster-shared when
// a limits map is available.
func guard(ctx context.Context, name string, backend agents.Agent, lim Limits, m *rmap.Map) agents.Agent {
	limiter := middleware.NewAdaptiveRateLimiter(ctx, m, name, lim.TokensPerMinute, lim.MaxTokensPerMinute)
	breaker := middleware.NewBreaker(name, middleware.BreakerOptions{})
	return breaker.Middleware()(limiter.Middleware()(backend))
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
