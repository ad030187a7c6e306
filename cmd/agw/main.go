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

	_ "github.com/awsl-project/agw/internal/adapter/provider/antigravity"
	_ "github.com/awsl-project/agw/internal/adapter/provider/copilot"
	_ "github.com/awsl-project/agw/internal/adapter/provider/kiro"

	"github.com/awsl-project/agw/internal/cache"
	"github.com/awsl-project/agw/internal/config"
	"github.com/awsl-project/agw/internal/conversation"
	"github.com/awsl-project/agw/internal/cooldown"
	"github.com/awsl-project/agw/internal/executor"
	"github.com/awsl-project/agw/internal/handler"
	"github.com/awsl-project/agw/internal/repository"
	"github.com/awsl-project/agw/internal/router"
	"github.com/awsl-project/agw/internal/sanitizer"
	"github.com/awsl-project/agw/internal/signature"
)

const cacheWarmLimit = 2048

func main() {
	cfg := config.Load()

	table, err := config.LoadRoutingTable(cfg.RoutingPath)
	if err != nil {
		log.Fatalf("[Main] routing config: %v", err)
	}

	// Persistence is best effort: a broken database degrades the
	// gateway to memory-only caches instead of refusing to start.
	var db *repository.DB
	if d, err := repository.NewDB(cfg.DatabaseDSN); err != nil {
		log.Printf("[Main] database unavailable, running memory-only: %v", err)
	} else {
		db = d
	}

	newStore := func(name string, persistence cache.Persistence) *cache.Store {
		return cache.New(cache.Config{
			Name:        name,
			DefaultTTL:  cfg.SignatureTTL,
			Persistence: persistence,
		})
	}

	var thinkingStore, toolStore, sessionStore *cache.Store
	var convRepo conversation.Repository
	if db != nil {
		thinkingStore = newStore("thinking", repository.NewSignaturePersistence(db))
		toolStore = newStore("tool", repository.NewToolPersistence(db))
		sessionStore = newStore("session", repository.NewSessionPersistence(db))
		convRepo = repository.NewConversationRepository(db)
	} else {
		thinkingStore = newStore("thinking", nil)
		toolStore = newStore("tool", nil)
		sessionStore = newStore("session", nil)
	}

	thinkingStore.Warm(cacheWarmLimit)
	toolStore.Warm(cacheWarmLimit)
	sessionStore.Warm(cacheWarmLimit)

	signatures := signature.NewCache(signature.Config{
		DefaultTTL:               cfg.SignatureTTL,
		ClientTTLs:               cfg.ClientSignatureTTLs,
		EnableTimeWindowFallback: cfg.EnableTimeWindowFallback,
		TimeWindow:               cfg.TimeWindow,
	}, thinkingStore, toolStore, sessionStore)

	conversations := conversation.NewStore(conversation.Config{
		DefaultTTL: cfg.ConversationTTL,
		IDETTL:     cfg.IDEConversationTTL,
	}, convRepo)
	conversations.Warm(cacheWarmLimit)

	cooldowns := cooldown.NewManager(cooldown.Config{})
	rt := router.New(table, cooldowns)
	san := sanitizer.New(signatures)
	ex := executor.New(rt, cooldowns, san, signatures)

	hub := handler.NewHub()
	srv := handler.NewServer(cfg, rt, ex, conversations, signatures, cooldowns, hub)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Routes(),
	}

	stopMaintenance := make(chan struct{})
	go maintenanceLoop(cfg.MaintenanceInterval, conversations, cooldowns, stopMaintenance)

	go func() {
		log.Printf("[Main] listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Main] server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[Main] shutting down")
	close(stopMaintenance)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[Main] shutdown: %v", err)
	}

	thinkingStore.Close()
	toolStore.Close()
	sessionStore.Close()
}

// maintenanceLoop drops expired state on a timer.
func maintenanceLoop(interval time.Duration, conversations *conversation.Store,
	cooldowns *cooldown.Manager, stop <-chan struct{}) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := conversations.GC(); n > 0 {
				log.Printf("[Maintenance] dropped %d expired conversations", n)
			}
			cooldowns.CleanupExpired()
		}
	}
}
