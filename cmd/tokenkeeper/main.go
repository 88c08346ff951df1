package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/graphsync/tokenkeeper/internal/config"
	"github.com/graphsync/tokenkeeper/internal/crypto"
	"github.com/graphsync/tokenkeeper/internal/db"
	"github.com/graphsync/tokenkeeper/internal/idp"
	"github.com/graphsync/tokenkeeper/internal/server"
	"github.com/graphsync/tokenkeeper/internal/store"
	"github.com/graphsync/tokenkeeper/internal/token"
	"github.com/graphsync/tokenkeeper/internal/version"
)

func main() {
	configPath := flag.String("config", "tokenkeeper.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("tokenkeeper %s (%s) starting", version.Version, version.Commit)

	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}

	cipher, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("init cipher: %v", err)
	}

	accountStore := store.New(database, cipher)
	idpClient := idp.NewClient(cfg.AuthorityBase, cfg.Scopes, cfg.IdPTimeout)
	manager := token.NewManager(accountStore, idpClient, cfg.RefreshBuffer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go refreshLoop(ctx, manager, cfg.SweepInterval)
	go cleanupLoop(ctx, manager, cfg.CleanupInterval, cfg.CleanupAfter)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(manager, idpClient, cfg.AdminPassword).Routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
	log.Println("shutdown complete")
}

// refreshLoop proactively refreshes accounts whose tokens fall inside the
// refresh buffer, so unattended mail collection rarely hits an expired
// token on the hot path.
func refreshLoop(ctx context.Context, manager *token.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("refresh sweep started (interval %s)", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := manager.RefreshExpiring(ctx); err != nil {
				log.Printf("refresh sweep: %v", err)
			}
		}
	}
}

// cleanupLoop clears token material from long-deactivated accounts.
func cleanupLoop(ctx context.Context, manager *token.Manager, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := manager.CleanupExpired(ctx, olderThan)
			if err != nil {
				log.Printf("cleanup: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("cleanup: cleared tokens on %d stale accounts", n)
			}
		}
	}
}
