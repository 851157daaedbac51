package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskstream/api"
	"taskstream/domain"
	"taskstream/storage"
	"taskstream/subscription"
)

func main() {
	// Real environment wins over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	var store domain.Store
	switch backend := envString("STORE_BACKEND", "tables"); backend {
	case "tables":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("missing storage config")
		}
		tables, err := storage.NewTables(connStr, envString("STREAMS_TABLE", "streams"), envString("TASKS_TABLE", "tasks"))
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = tables.EnsureTables(ctx)
		cancel()
		if err != nil {
			log.Fatalf("ensure tables: %v", err)
		}
		store = tables
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		store = storage.NewMemory()
	default:
		log.Fatalf("invalid STORE_BACKEND: %q", backend)
	}

	var deduper domain.Deduper
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		defer rc.Close()
		store = storage.NewCache(store, rc, envDuration("DETAIL_CACHE_TTL", 30*time.Second))
		deduper = storage.NewRedisDeduper(rc, envDuration("DEDUPER_TTL", 10*time.Minute))
	} else {
		log.Info("no redis configured, detail cache and submission dedupe disabled")
	}

	authCfg := api.AuthConfig{
		Username:     envString("ADMIN_USERNAME", "admin"),
		Password:     os.Getenv("ADMIN_PASSWORD"),
		PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		Secret:       []byte(os.Getenv("JWT_SECRET")),
		TokenTTL:     envDuration("JWT_TTL", 12*time.Hour),
		Role:         envString("MODERATOR_ROLE", "moderator"),
	}
	if domainName := os.Getenv("AUTH0_DOMAIN"); domainName != "" {
		audience := os.Getenv("AUTH0_AUDIENCE")
		if audience == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domainName)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		authCfg.JWKS = jwks
		authCfg.Audience = audience
		authCfg.Issuer = "https://" + domainName + "/"
	}
	auth, err := api.NewAuth(authCfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	rooms := subscription.NewRegistry(envInt("SSE_BUFFER", 64), logger)
	coord := domain.NewCoordinator(store, rooms, domain.CoordinatorOptions{
		StoreTimeout: envDuration("STORE_TIMEOUT", 5*time.Second),
		Deduper:      deduper,
		Logger:       logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("taskstream"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, coord, rooms, auth, api.Options{
		PublicURL: os.Getenv("PUBLIC_URL"),
		Heartbeat: envDuration("SSE_HEARTBEAT", 30*time.Second),
	}, logger)

	listenAddr := ":" + envString("PORT", "8080")
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal(err)
		}
	}()

	// signal.Notify requires the channel to be buffered
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
}
