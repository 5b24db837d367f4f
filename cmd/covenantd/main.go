package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"covenant/pkg/decisionlog"
	"covenant/pkg/eventbus"
	"covenant/pkg/httpx"
	"covenant/pkg/ratelimit"
	"covenant/pkg/store"
	"covenant/pkg/stream"
	"covenant/pkg/telemetry"
)

// Server carries the wiring the handlers need. Store and Cache are
// interfaces so tests run against the in-memory implementations.
type Server struct {
	Store               store.CovenantStore
	Cache               store.Cache
	Hub                 *stream.Hub
	Events              *eventbus.Publisher
	Limiter             ratelimit.Limiter
	Decisions           *decisionlog.Writer
	AuthToken           string
	EnforceNarrowing    bool
	CacheTTL            time.Duration
	MaxRequestBodyBytes int64
}

var logFatalf = log.Fatalf

func main() {
	if err := run(nil); err != nil {
		logFatalf("covenantd: %v", err)
	}
}

func run(listen func(*http.Server) error) error {
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := telemetry.Init(ctx, "covenantd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	s := &Server{
		Hub:                 stream.NewHub(),
		AuthToken:           env("AUTH_TOKEN", ""),
		EnforceNarrowing:    env("ENFORCE_NARROWING", "true") == "true",
		CacheTTL:            envDurationSec("EFFECTIVE_CACHE_TTL_SEC", 60),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	if env("STORE_BACKEND", "postgres") == "memory" {
		s.Store = store.NewMemory()
	} else {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		s.Store = store.NewPostgres(pool)
		s.Decisions = decisionlog.NewWriter(pool)
	}

	if env("REDIS_ENABLED", "true") == "true" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis disabled: %v", err)
			s.Cache = store.NewMemoryCache()
			s.Limiter = ratelimit.NewInMemory()
		} else {
			s.Cache = store.NewRedisCache(client)
			s.Limiter = ratelimit.NewRedis(client)
		}
	} else {
		s.Cache = store.NewMemoryCache()
		s.Limiter = ratelimit.NewInMemory()
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := eventbus.NewPublisher(eventbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_DECISIONS_TOPIC", "covenant.decisions"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		s.Events = pub
	}

	addr := env("ADDR", ":8080")
	log.Printf("covenantd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("covenantd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "covenantd"})
	})

	api := chi.NewRouter()
	api.Use(s.bearerAuthMiddleware)
	api.Post("/v1/covenants", s.createCovenant)
	api.Get("/v1/covenants", s.listCovenants)
	api.Get("/v1/covenants/{id}", s.getCovenant)
	api.Delete("/v1/covenants/{id}", s.deleteCovenant)
	api.Get("/v1/covenants/{id}/chain", s.getChain)
	api.Get("/v1/covenants/{id}/effective", s.getEffective)
	api.Post("/v1/covenants/{id}/evaluate", s.evaluateCovenant)
	api.Post("/v1/covenants/{id}/narrowing", s.checkNarrowing)
	api.Post("/v1/covenants/{id}/limits/check", s.checkLimit)
	api.Post("/v1/documents/evaluate", s.evaluateDocument)
	api.Get("/v1/decisions/{id}", s.getDecision)
	api.Get("/v1/stream", s.streamDecisions)
	r.Mount("/", api)
	return r
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("covenantd %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func logOpError(op string, err error) {
	log.Printf("covenantd %s: %v", op, err)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
