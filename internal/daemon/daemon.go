// Package daemon implements the tandem HTTP daemon: query streaming over
// SSE, document indexing and operational endpoints.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/simpleflo/tandem/internal/backends"
	"github.com/simpleflo/tandem/internal/config"
	"github.com/simpleflo/tandem/internal/observability"
	"github.com/simpleflo/tandem/internal/query"
	"github.com/simpleflo/tandem/internal/session"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

// housekeepingInterval drives periodic limiter pruning and session
// retention.
const housekeepingInterval = time.Minute

// sessionRetention is how long conversation logs are kept.
const sessionRetention = 30 * 24 * time.Hour

// Daemon is the tandem server core.
type Daemon struct {
	cfg    *config.Config
	mux    chi.Router
	server *http.Server
	logger zerolog.Logger

	engine   *query.Router
	cache    *query.ResponseCache
	sessions *session.Store
	embedder *backends.OllamaClient
	vectors  *backends.QdrantStore
	redis    *backends.RedisCache

	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New wires the daemon from configuration: backends, session store,
// processing paths and the query router.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	logger := observability.Logger("daemon")

	sessions, err := session.New(cfg.Session.Path)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	ollama, err := backends.NewOllamaClient(backends.OllamaConfig{
		Host:           cfg.Ollama.Host,
		ChatModel:      cfg.Ollama.ChatModel,
		EmbedModel:     cfg.Ollama.EmbedModel,
		EmbedDimension: cfg.Ollama.EmbedDimension,
	})
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	vectors, err := backends.NewQdrantStore(backends.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
		Dimension:  cfg.Ollama.EmbedDimension,
	})
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("create qdrant store: %w", err)
	}

	var cacheBackend query.CacheBackend
	var redisCache *backends.RedisCache
	if cfg.Redis.Enabled {
		redisCache = backends.NewRedisCache(backends.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		cacheBackend = redisCache
	}

	var web query.WebSearcher
	if cfg.Web.Enabled {
		ws, err := backends.NewWebSearchClient(backends.WebSearchConfig{URL: cfg.Web.URL})
		if err != nil {
			logger.Warn().Err(err).Msg("web search unavailable")
		} else {
			web = ws
		}
	}

	var cache *query.ResponseCache
	if cfg.Cache.Enabled {
		cache = query.NewResponseCache(query.CacheOptions{
			TTL:               cfg.Cache.TTL,
			MaxEntries:        cfg.Cache.MaxEntries,
			SemanticThreshold: cfg.Cache.SemanticSimilarityThreshold,
			NearThreshold:     cfg.Cache.NearSimilarityThreshold,
		}, ollama, cacheBackend)
	}

	retriever := query.NewRetriever(ollama, vectors, sessions)
	speculative := query.NewSpeculativePath(retriever, ollama, sessions, cache)
	agentic := query.NewAgenticPath(retriever, ollama, sessions, web)

	engine := query.NewRouter(speculative, agentic, query.RouterOptions{
		DefaultMode:              query.Mode(cfg.Router.DefaultMode),
		EnableIntelligentRouting: cfg.Router.EnableIntelligentRouting,
		SpeculativeDeadline:      cfg.Router.SpeculativeDeadline,
		AgenticDeadline:          cfg.Router.AgenticDeadline,
		TopKDefault:              cfg.Router.TopKDefault,
		RateLimitPerMinute:       cfg.Router.RateLimitPerMinute,
	})

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		cache:      cache,
		sessions:   sessions,
		embedder:   ollama,
		vectors:    vectors,
		redis:      redisCache,
		shutdownCh: make(chan struct{}),
	}
	d.setupRouter()
	return d, nil
}

// setupRouter configures the HTTP routes.
func (d *Daemon) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	r.Get("/healthz", d.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", d.handleHealth)
		r.Get("/status", d.handleStatus)

		r.Post("/query", d.handleQuery)

		r.Get("/cache/stats", d.handleCacheStats)

		r.Post("/index", d.handleIndex)
		r.Delete("/documents/{documentID}", d.handleDeleteDocument)

		r.Get("/sessions/{sessionID}/messages", d.handleSessionMessages)
	})

	d.mux = r
}

// loggingMiddleware logs HTTP requests.
func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		d.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}

// Start binds the listener and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().
		Str("addr", d.cfg.HTTP.Addr).
		Str("data_dir", d.cfg.DataDir).
		Msg("starting daemon")

	listener, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.HTTP.Addr, err)
	}

	d.server = &http.Server{
		Handler:      d.mux,
		ReadTimeout:  d.cfg.HTTP.ReadTimeout,
		WriteTimeout: d.cfg.HTTP.WriteTimeout,
		IdleTimeout:  d.cfg.HTTP.IdleTimeout,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("server error")
		}
	}()

	d.wg.Add(1)
	go d.housekeepingLoop(ctx)

	d.wg.Add(1)
	go d.warmup(ctx)

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	observability.LogEvent(d.logger, observability.EventDaemonStarted, map[string]interface{}{
		"addr":     d.cfg.HTTP.Addr,
		"data_dir": d.cfg.DataDir,
	})
	return nil
}

// Stop gracefully stops the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.ready = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping daemon")
	close(d.shutdownCh)

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	if d.sessions != nil {
		d.sessions.Close()
	}
	if d.vectors != nil {
		d.vectors.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}

	observability.LogEvent(d.logger, observability.EventDaemonStopped, nil)
	return nil
}

// Run serves until interrupted.
func (d *Daemon) Run() error {
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Ready reports whether the daemon accepts requests.
func (d *Daemon) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// warmup prepares the backends in the background: pulls missing Ollama
// models and creates the vector collection. Failures are logged, not
// fatal; queries degrade until the backends come up.
func (d *Daemon) warmup(ctx context.Context) {
	defer d.wg.Done()

	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if err := d.embedder.EnsureModels(warmCtx); err != nil {
		d.logger.Warn().Err(err).Msg("ollama models not ready")
	}
	if err := d.vectors.EnsureCollection(warmCtx); err != nil {
		d.logger.Warn().Err(err).Msg("vector collection not ready")
	}
}

// housekeepingLoop prunes rate limiter state and old session messages.
func (d *Daemon) housekeepingLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.engine.Limiter().Prune()
			if deleted, err := d.sessions.PruneSessions(ctx, sessionRetention); err != nil {
				d.logger.Warn().Err(err).Msg("session prune failed")
			} else if deleted > 0 {
				d.logger.Debug().Int64("deleted", deleted).Msg("pruned old session messages")
			}
		}
	}
}
