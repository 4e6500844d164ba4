// Command agentd runs the agent session service.
//
// # Configuration
//
// Configuration is read from an optional YAML file (-config or AGENTD_CONFIG),
// then environment variables, then flags:
//
//	AGENTD_ADDR              - HTTP listen address (default: ":8080")
//	AGENTD_STORE             - memory, postgres or mongo (default: "memory")
//	AGENTD_ENGINE            - scripted, anthropic, openai or bedrock (default: "scripted")
//	AGENTD_DEFAULT_MODEL     - model used when requests do not name one
//	AGENTD_MODELS            - comma separated models advertised by /v1/models
//	AGENTD_TOOL_SERVERS_FILE - YAML or JSON tool-server definitions
//	POSTGRES_DSN, MONGO_URI  - durable store connection strings
//	REDIS_URL                - enables the Redis cache and cluster features
//	ANTHROPIC_API_KEY, OPENAI_API_KEY
//	AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN
//
// # Clustering
//
// Instances sharing REDIS_URL and AGENTD_CLUSTER form a cluster: controls are
// routed to the instance owning a run, runs can be observed from any
// instance, and sessions orphaned by a crashed instance are recovered.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	rediscache "goa.design/agentd/features/cache/redis"
	controlpulse "goa.design/agentd/features/control/pulse"
	"goa.design/agentd/features/engine/anthropic"
	"goa.design/agentd/features/engine/bedrock"
	"goa.design/agentd/features/engine/chat"
	"goa.design/agentd/features/engine/openai"
	recoverypulse "goa.design/agentd/features/recovery/pulse"
	sessionmongo "goa.design/agentd/features/session/mongo"
	clientsmongo "goa.design/agentd/features/session/mongo/clients/mongo"
	"goa.design/agentd/features/session/postgres"
	streampulse "goa.design/agentd/features/stream/pulse"
	clientspulse "goa.design/agentd/features/stream/pulse/clients/pulse"
	"goa.design/agentd/runtime/cache"
	cacheinmem "goa.design/agentd/runtime/cache/inmem"
	"goa.design/agentd/runtime/engine"
	"goa.design/agentd/runtime/engine/scripted"
	"goa.design/agentd/runtime/lease"
	"goa.design/agentd/runtime/orchestrator"
	"goa.design/agentd/runtime/repository"
	"goa.design/agentd/runtime/session"
	sessioninmem "goa.design/agentd/runtime/session/inmem"
	"goa.design/agentd/runtime/telemetry"
	"goa.design/agentd/server"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "agentd stopped")
	}
}

// app holds the wired components and their release functions.
type app struct {
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	rdb     *redis.Client
	cache   cache.Cache
	store   session.Store
	pingers []health.Pinger
	closers []func(context.Context) error

	pulse   clientspulse.Client
	streams *streampulse.Streams
}

func run(ctx context.Context, cfg Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	ctx = log.With(ctx, log.KV{K: "instance", V: cfg.InstanceID})
	a := &app{
		cfg:     cfg,
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewOtelMetrics(),
		tracer:  telemetry.NewOtelTracer(),
	}
	defer a.close(ctx)

	if err := a.connectRedis(ctx); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	repo, err := repository.New(repository.Options{
		Store:   a.store,
		Cache:   a.cache,
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
	})
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	leases := lease.New(a.cache, lease.WithTTL(cfg.LeaseTTL))

	// Background components stop when runCtx is cancelled.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	eng, err := a.buildEngine(runCtx)
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		Repository:     repo,
		Leases:         leases,
		Engine:         eng,
		InstanceID:     cfg.InstanceID,
		DefaultModel:   cfg.DefaultModel,
		MaxRunDuration: cfg.MaxRunDuration,
		InterruptGrace: cfg.InterruptGrace,
		DrainGrace:     cfg.DrainGrace,
		Logger:         a.logger,
		Metrics:        a.metrics,
		Tracer:         a.tracer,
	}
	var index *recoverypulse.Index
	if a.rdb != nil {
		if err := a.connectPulse(ctx); err != nil {
			return err
		}
		router, err := controlpulse.NewRouter(a.pulse, a.logger)
		if err != nil {
			return fmt.Errorf("create control router: %w", err)
		}
		opts.Router = router
		opts.Relay = a.streams.Relay()

		m, err := rmap.Join(runCtx, cfg.Cluster+"-inflight", a.rdb)
		if err != nil {
			return fmt.Errorf("join in-flight map: %w", err)
		}
		a.onClose(func(context.Context) error { m.Close(); return nil })
		if index, err = recoverypulse.NewIndex(m); err != nil {
			return err
		}
		opts.Index = index
	}
	orch, err := orchestrator.New(opts)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	if a.rdb != nil {
		listener, err := controlpulse.NewListener(controlpulse.ListenerOptions{
			Client:     a.pulse,
			InstanceID: cfg.InstanceID,
			Applier:    orch,
			Logger:     a.logger,
		})
		if err != nil {
			return fmt.Errorf("create control listener: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf(ctx, err, "control listener stopped")
			}
		}()

		if err := a.startReaper(runCtx, &wg, index, orch, leases); err != nil {
			return err
		}
	}

	srvOpts := server.Options{
		Orchestrator: orch,
		Models:       cfg.Models,
		ToolServers:  cfg.ToolServers,
		SubmitRate:   cfg.SubmitRate,
		SubmitBurst:  cfg.SubmitBurst,
		KeepAlive:    cfg.KeepAlive,
		Pingers:      a.pingers,
		Debug:        cfg.Debug,
		LogContext:   ctx,
		Logger:       a.logger,
	}
	if a.streams != nil {
		srvOpts.Remote = a.streams.Subscriber()
	}
	srv, err := server.New(srvOpts)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 60 * time.Second}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Stop accepting requests, then let in-flight runs finish or be
	// cancelled before releasing the backends.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	shutdownCtx = telemetry.MergeContext(shutdownCtx, ctx)
	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Drain(shutdownCtx)
	}()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "failed to shutdown HTTP server")
	}
	<-orchDone
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

func (a *app) onClose(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

// close releases resources in reverse acquisition order.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Errorf(ctx, err, "failed to release resource")
		}
	}
}

func (a *app) connectRedis(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.cache = cacheinmem.New()
		return nil
	}
	opt, err := redisOptions(a.cfg.RedisURL, a.cfg.RedisPassword)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opt)
	a.onClose(func(context.Context) error { return rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	c, err := rediscache.New(rdb, rediscache.WithPrefix(a.cfg.Cluster+":"))
	if err != nil {
		return err
	}
	a.rdb = rdb
	a.cache = c
	a.pingers = append(a.pingers, c)
	return nil
}

// redisOptions accepts a redis:// URL or a bare host:port address.
func redisOptions(raw, password string) (*redis.Options, error) {
	if !strings.Contains(raw, "://") {
		return &redis.Options{Addr: raw, Password: password}, nil
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	return opt, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case storePostgres:
		s, err := postgres.Connect(ctx, a.cfg.PostgresDSN, a.logger)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { s.Close(); return nil })
		a.store = s
		a.pingers = append(a.pingers, s)
	case storeMongo:
		mc, err := mongodriver.Connect(options.Client().ApplyURI(a.cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		a.onClose(mc.Disconnect)
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: a.cfg.MongoDatabase})
		if err != nil {
			return fmt.Errorf("create mongo client: %w", err)
		}
		s, err := sessionmongo.NewStore(client)
		if err != nil {
			return err
		}
		a.store = s
		a.pingers = append(a.pingers, s)
	default:
		a.store = sessioninmem.New()
	}
	log.Print(ctx, log.KV{K: "store", V: a.cfg.Store})
	return nil
}

func (a *app) buildEngine(ctx context.Context) (engine.Engine, error) {
	var provider chat.Provider
	switch a.cfg.Engine {
	case engineAnthropic:
		p, err := anthropic.NewFromAPIKey(a.cfg.AnthropicAPIKey, a.cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		provider = p
	case engineOpenAI:
		p, err := openai.NewFromAPIKey(a.cfg.OpenAIAPIKey, a.cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		provider = p
	case engineBedrock:
		p, err := bedrock.NewFromCredentials(a.cfg.AWSRegion, bedrock.Credentials{
			AccessKeyID:     a.cfg.AWSAccessKeyID,
			SecretAccessKey: a.cfg.AWSSecretKey,
			SessionToken:    a.cfg.AWSSessionToken,
		}, a.cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return scripted.New(scripted.Options{}), nil
	}

	if a.cfg.TokensPerMinute > 0 {
		var shared *rmap.Map
		if a.rdb != nil {
			m, err := rmap.Join(ctx, a.cfg.Cluster+"-ratelimit", a.rdb)
			if err != nil {
				return nil, fmt.Errorf("join rate limit map: %w", err)
			}
			a.onClose(func(context.Context) error { m.Close(); return nil })
			shared = m
		}
		limiter := chat.NewAdaptiveRateLimiter(ctx, shared, provider.Name(), a.cfg.TokensPerMinute, a.cfg.MaxTokensPerMin)
		provider = limiter.Wrap(provider)
	}

	eng, err := chat.New(chat.Options{
		Provider:    provider,
		Transcripts: chat.NewCacheTranscripts(a.cache, a.cfg.TranscriptTTL, a.cfg.TranscriptMaxMessages),
		MaxTokens:   a.cfg.MaxTokens,
		Prices:      a.cfg.Prices,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s engine: %w", a.cfg.Engine, err)
	}
	return eng, nil
}

func (a *app) connectPulse(ctx context.Context) error {
	pc, err := clientspulse.New(clientspulse.Options{Redis: a.rdb, OperationTimeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	a.onClose(pc.Close)
	streams, err := streampulse.NewStreams(streampulse.StreamsOptions{
		Client:    pc,
		Retention: a.cfg.RelayRetention,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("create event streams: %w", err)
	}
	a.onClose(streams.Close)
	a.pulse = pc
	a.streams = streams
	log.Debugf(ctx, "pulse streams ready")
	return nil
}

func (a *app) startReaper(ctx context.Context, wg *sync.WaitGroup, index *recoverypulse.Index, orch *orchestrator.Orchestrator, leases *lease.Registry) error {
	reaper, err := recoverypulse.NewReaper(recoverypulse.ReaperOptions{
		Index:     index,
		Recoverer: orch,
		Leases:    leases,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper: %w", err)
	}
	node, err := pool.AddNode(ctx, a.cfg.Cluster+"-reaper", a.rdb)
	if err != nil {
		return fmt.Errorf("join reaper pool: %w", err)
	}
	a.onClose(node.Close)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reaper.RunDistributed(ctx, node, a.cfg.ReaperInterval); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf(ctx, err, "reaper stopped")
		}
	}()
	return nil
}
