package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridgehost/internal/bridge"
	"bridgehost/internal/config"
	"bridgehost/internal/domain"
	apphttp "bridgehost/internal/http"
	"bridgehost/internal/integrations/telegram"
	"bridgehost/internal/license"
	"bridgehost/internal/proxy"
	"bridgehost/internal/registry"
	"bridgehost/internal/security/secretbox"
	storepkg "bridgehost/internal/store"
	filestore "bridgehost/internal/store/file"
	"bridgehost/internal/store/postgres"
	"bridgehost/internal/supervisor"
	"bridgehost/internal/watchdog"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.Load()

	box, err := secretbox.NewOptional(cfg.CredentialKey)
	if err != nil {
		log.Fatalf("invalid CREDENTIAL_KEY: %v", err)
	}

	var st storepkg.SessionStore
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Printf("postgres store unavailable, falling back to file store: %v", err)
			st = filestore.NewStore(cfg.SessionsFile)
		} else {
			st = pgStore
		}
	} else {
		st = filestore.NewStore(cfg.SessionsFile)
	}

	reg := registry.New(st, box)
	reg.Load(context.Background())

	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)

	sup := supervisor.New(cfg, notifier)
	for _, agent := range cfg.Agents {
		if agent.Mode != domain.AgentModeBundled {
			continue
		}
		if err := sup.Start(agent.Platform); err != nil {
			log.Printf("start %s agent: %v", agent.Platform, err)
		}
	}
	sup.StartMonitor()

	agentBridge := bridge.NewAgentBridge(reg, cfg.Agents)
	dog := watchdog.New(reg, agentBridge, notifier, cfg.StaleThreshold, cfg.WatchdogInterval, cfg.ReconnectMaxAttempts)
	dog.Start()

	licenses := license.NewClient(cfg.ProxyUpstreamBase, 10*time.Second)
	proxySrv := proxy.NewServer(
		cfg.ProxyAllowedOrigin,
		cfg.ProxyUpstreamBase,
		licenses,
		proxy.NewCache(cfg.ProxyCacheTTL),
		proxy.NewProbeAllocator(cfg.ProxyPreferredPort, cfg.ProxyFallbackRange),
	)
	if err := proxySrv.Start(); err != nil {
		log.Printf("license proxy disabled: %v", err)
	}

	api := apphttp.NewServer(cfg, reg, sup)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("bridgehost API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Shutdown order: stop generating work, stop child processes, drain
	// the proxy, persist sessions, then close the API listener.
	dog.Stop()
	sup.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := proxySrv.Stop(ctx); err != nil {
		log.Printf("proxy shutdown failed: %v", err)
	}
	reg.Persist(ctx)
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
