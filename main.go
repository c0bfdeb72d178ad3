package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/config"
	"github.com/apollo-events/data-sync/middleware"
	"github.com/apollo-events/data-sync/notify"
	"github.com/apollo-events/data-sync/store"
	"github.com/apollo-events/data-sync/store/postgres"
	"github.com/apollo-events/data-sync/store/sqlite"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	godotenv.Load()

	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	storage, err := createStorage(config)
	if err != nil {
		log.Fatalf("failed to create storage: %v", err)
	}
	defer storage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	events := notify.NewManager()
	g.Go(func() error {
		return events.Run(ctx)
	})
	var publisher notify.Publisher = events
	if config.RedisUrl != "" {
		redisClient, err := notify.NewRedisClient(ctx, config.RedisUrl)
		if err != nil {
			log.Fatalf("Failed to create redis client: %v", err)
		}
		defer redisClient.Close()
		relay := notify.NewRedis(redisClient, config.RedisChannel, events)
		publisher = relay
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	syncServer := NewPersistentSyncerServer(config, storage, events, publisher)
	grpcServer, err := NewGRPCServer(config, syncServer, registry)
	if err != nil {
		log.Fatalf("failed to create grpc server: %v", err)
	}
	server := &http.Server{
		Addr:              config.ListenAddress,
		Handler:           CreateServer(config, syncServer, registry, grpcServer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lis, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	g.Go(func() error {
		log.Printf("Server listening at %s", config.ListenAddress)
		var err error
		if config.TLSCertFile != "" {
			err = server.ListenAndServeTLS(config.TLSCertFile, config.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("gRPC server listening at %v", lis.Addr())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server...")
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
	log.Println("Server stopped gracefully")
}

func createStorage(config *config.Config) (store.SyncStorage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGSyncStorage(config.PgDatabaseUrl)
	}
	if err := os.MkdirAll(config.SQLiteDirPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return sqlite.NewSQLiteSyncStorage(filepath.Join(config.SQLiteDirPath, "data-sync.db"))
}

// CreateServer routes the HTTP API. grpc-web requests and their CORS
// preflights are handed to grpcServer instead.
func CreateServer(config *config.Config, syncServer *PersistentSyncerServer, registry *prometheus.Registry, grpcServer *grpc.Server) http.Handler {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(middleware.NewHTTPMetrics(registry).Handler)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", api.SignatureHdr, api.ReqTimeHdr},
		MaxAge:         300,
	}).Handler)

	router.Get(api.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handle(api.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate([]byte(config.JWTSecret)))
		r.Use(syncServer.limiter.Handler)
		r.Post(api.PushPath, syncServer.Push)
		r.Get(api.ChangesPath, syncServer.ListChanges)
		r.Get(api.WatchPath, syncServer.Watch)
		r.Get(api.RecordsPath+"/{id}", syncServer.GetRecord)
		r.Put(api.BlobsPath, syncServer.PutBlob)
		r.Get(api.BlobsPath+"/{digest}", syncServer.GetBlob)
	})

	grpcWeb := grpcweb.WrapServer(grpcServer, grpcweb.WithOriginFunc(originAllowed(config.AllowedOrigins())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if grpcWeb.IsGrpcWebRequest(r) || grpcWeb.IsAcceptableGrpcCorsRequest(r) {
			grpcWeb.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
