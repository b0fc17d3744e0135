package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campus/identity/internal/config"
	"campus/identity/internal/db"
	internalhttp "campus/identity/internal/http"
	"campus/identity/internal/repository"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply schema migrations and exit unless -serve is also set")
	seed := flag.Bool("seed", false, "seed roles, permissions and the initial super admin")
	serve := flag.Bool("serve", true, "run the HTTP server")
	flag.Parse()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	if *migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		log.Printf("migrations applied")
	}
	if *seed {
		password := os.Getenv("SUPER_ADMIN_PASSWORD")
		if password == "" {
			log.Fatalf("SUPER_ADMIN_PASSWORD must be set to seed")
		}
		if err := db.Seed(ctx, pool, cfg.BcryptCost, password); err != nil {
			log.Fatalf("seed failed: %v", err)
		}
		log.Printf("seed data applied")
	}
	if !*serve {
		return
	}

	store := repository.NewStore(pool)
	server := internalhttp.NewServer(cfg, store)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("identity listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
