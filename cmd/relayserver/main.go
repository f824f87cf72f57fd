// The relay server: prekey distribution, encrypted message fan-out with
// store-and-forward, and presence, over one WebSocket stream per client
// plus a small HTTP API. The server never holds plaintext or private keys.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/punitmishra/chai.im/internal/auth"
	"github.com/punitmishra/chai.im/internal/config"
	"github.com/punitmishra/chai.im/internal/db"
	"github.com/punitmishra/chai.im/internal/handlers"
	"github.com/punitmishra/chai.im/internal/media"
	"github.com/punitmishra/chai.im/internal/metrics"
	"github.com/punitmishra/chai.im/internal/pubsub"
	"github.com/punitmishra/chai.im/internal/registry"
	"github.com/punitmishra/chai.im/internal/relay"
)

func main() {
	cfg := config.Load()
	log.Printf("starting relay %s on port %s", cfg.ServerID, cfg.Port)

	database, err := db.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: database: %v", err)
	}
	defer database.Close()

	authService, err := auth.NewService(database, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("FATAL: auth: %v", err)
	}

	// Redis is optional; without it the relay runs single-instance.
	var redisClient *pubsub.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = pubsub.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("FATAL: redis: %v", err)
		}
		defer redisClient.Close()
	}

	hub := relay.NewHub(cfg.ServerID, database, redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if redisClient != nil {
		go redisClient.SubscribeFrames(ctx, cfg.ServerID, hub)
		go redisClient.SubscribePresence(ctx, hub)
	}

	go relay.NewReaper(database, cfg.RetentionDays).Run(ctx)

	// Expired auth sessions are pruned on the same cadence.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := database.DeleteExpiredSessions(); err != nil {
					log.Printf("session cleanup: %v", err)
				}
			}
		}
	}()

	var consulRegistry *registry.ConsulRegistry
	if cfg.ConsulURL != "" {
		consulRegistry, err = registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.Port)
		if err != nil {
			log.Fatalf("FATAL: consul: %v", err)
		}
		if err := consulRegistry.Register(); err != nil {
			log.Fatalf("FATAL: consul register: %v", err)
		}
		defer consulRegistry.Deregister()
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	router.HandleFunc("/auth/register", handlers.Register(database, authService)).Methods("POST")
	router.HandleFunc("/auth/login", handlers.Login(database, authService)).Methods("POST")

	router.HandleFunc("/prekeys/bundle/{user_id}", handlers.GetPrekeyBundle(database)).Methods("GET")
	router.HandleFunc("/prekeys/bundle", handlers.UploadPrekeyBundle(database, authService)).Methods("POST")
	router.HandleFunc("/prekeys/one-time", handlers.UploadOneTimePrekeys(database, authService)).Methods("POST")

	router.HandleFunc("/users/search", handlers.SearchUsers(database, authService)).Methods("GET")
	router.HandleFunc("/users/{id}", handlers.GetUser(database, authService)).Methods("GET")

	// Attachment presigning is optional; clients fall back to inline media.
	if cfg.MinioURL != "" {
		mediaService, err := media.NewService(cfg.MinioURL, cfg.MinioKey, cfg.MinioSecret, cfg.MinioBucket)
		if err != nil {
			log.Fatalf("FATAL: media store: %v", err)
		}
		router.HandleFunc("/media/upload-url", handlers.MediaUploadURL(mediaService, authService)).Methods("POST")
		router.HandleFunc("/media/download-url/{media_id}", handlers.MediaDownloadURL(mediaService, authService)).Methods("GET")
	}

	router.HandleFunc("/ws", handlers.WebSocket(hub, authService)).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.RPOrigin, "http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("relay listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received %v, shutting down", sig)

	if consulRegistry != nil {
		if err := consulRegistry.Deregister(); err != nil {
			log.Printf("consul deregister: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	hub.Shutdown()
	cancel()

	log.Println("relay stopped")
}
