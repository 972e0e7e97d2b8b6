package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oakhart/parley/internal/config"
	"github.com/oakhart/parley/internal/handler"
	"github.com/oakhart/parley/internal/handler/ws"
	"github.com/oakhart/parley/internal/service/ai"
	chatservice "github.com/oakhart/parley/internal/service/chat"
	"github.com/oakhart/parley/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// The conversation backend is optional: without credentials the server
	// still runs sessions and rejects prompts with a user-visible error.
	var backend ai.Backend
	var suggester ai.SuggestionGenerator
	if cfg.AI.Enabled() {
		svc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize conversation backend: %v", err)
			log.Println("continuing without chat functionality - check ARK_* environment variables")
		} else {
			backend = svc
			log.Println("conversation backend initialized successfully")

			if cfg.AI.Suggestions {
				s, err := ai.NewSuggester(ctx, svc.GetChatModel())
				if err != nil {
					log.Printf("warning: failed to initialize suggestion generator: %v", err)
					log.Println("continuing without quick-reply suggestions")
				} else {
					suggester = s
				}
			} else {
				log.Println("quick-reply suggestions disabled by configuration")
			}
		}
	} else {
		log.Println("Ark credentials not configured, prompts will be rejected until they are provided")
	}

	registry := session.NewRegistry(session.RealClock(), cfg.Session.IdleTimeout)
	hub := ws.NewHub()

	var threads session.ThreadDeleter
	if backend != nil {
		threads = backend
	}
	cleaner := session.NewCleaner(registry, threads, hub.BroadcastClear)
	scheduler := session.NewScheduler(registry, cleaner.Cleanup, cfg.Session.SweepInterval)

	go scheduler.Run(ctx)

	chatSvc := chatservice.NewService(registry, backend, suggester)
	router := handler.NewRouter(registry, scheduler, chatSvc, hub)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Parley backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
