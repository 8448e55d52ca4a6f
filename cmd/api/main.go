package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"

	"gatekit.org/internal/auth"
	"gatekit.org/internal/cache"
	"gatekit.org/internal/httpapi"
	"gatekit.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("GATEKIT_PG_DSN")
	if dsn == "" {
		log.Fatal("missing DSN: set GATEKIT_PG_DSN")
	}
	secret := os.Getenv("GATEKIT_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing signing secret: set GATEKIT_AUTH_SECRET")
	}

	db, err := openDB(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	var sessionCache auth.SessionCache
	var redisClose func() error
	if addr := os.Getenv("GATEKIT_REDIS_ADDR"); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.Connect(ctx, addr, os.Getenv("GATEKIT_REDIS_PASSWORD"), envInt("GATEKIT_REDIS_DB", 0))
		cancel()
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		sessionCache = cache.NewRedis(client)
		redisClose = client.Close
	}

	signer, err := auth.NewHS256Signer(secret)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	store := auth.NewPGStore(db)
	var graphOpts []auth.GraphOption
	svcOpts := []auth.ServiceOption{
		auth.WithIssuer(envOr("GATEKIT_ISSUER", "gatekit")),
		auth.WithAccessTTL(envDuration("GATEKIT_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDuration("GATEKIT_REFRESH_TTL", 14*24*time.Hour)),
		auth.WithBcryptCost(envInt("GATEKIT_BCRYPT_COST", 0)),
	}
	if sessionCache != nil {
		graphOpts = append(graphOpts, auth.WithGrantsCache(sessionCache))
		svcOpts = append(svcOpts, auth.WithSessionCache(sessionCache))
	}
	graph := auth.NewGraph(store, graphOpts...)
	svc, err := auth.NewService(store, graph, signer, svcOpts...)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := svc.EnsureBuiltins(ctx)
		cancel()
		if err != nil {
			log.Fatalf("ensure builtin permissions: %v", err)
		}
	}

	api := httpapi.New(svc, version)
	srv := &http.Server{
		Addr:              envOr("GATEKIT_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if addr := os.Getenv("GATEKIT_GRPC_ADDR"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(httpapi.ReadyProbe{DB: db}).Register(grpcSrv)
		log.Printf("Starting gatekit-grpc on %s", addr)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting gatekit-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if redisClose != nil {
		_ = redisClose()
	}
	_ = db.Close()
	log.Println("Stopped")
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", key, v)
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s must be a duration like 15m or 336h, got %q", key, v)
	}
	return d
}
