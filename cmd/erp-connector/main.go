package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	erpconnector "github.com/b2x-labs/erp-connector"
	"github.com/b2x-labs/erp-connector/internal/logging"
	"github.com/b2x-labs/erp-connector/internal/version"
)

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg := defaultConfig()
	if cfgPath := os.Getenv("ERP_CONNECTOR_CONFIG"); cfgPath != "" {
		loaded, err := erpconnector.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
		log.Printf("Config loaded: driver=%s, key_store=%s", cfg.Driver.Name, cfg.KeyStore.Type)
	} else {
		log.Printf("No ERP_CONNECTOR_CONFIG set; using defaults (driver=%s)", cfg.Driver.Name)
	}

	rt, err := erpconnector.FromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to build connector: %v", err)
	}

	if !rt.Keys.HasKeys() {
		log.Println("No API keys configured yet. Use erpctl to set an admin key and generate tenant keys.")
	}

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(rt),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		if err := rt.Close(shutdownCtx); err != nil {
			log.Printf("Connector shutdown error: %v", err)
		}
	}()

	log.Printf("ERP connector %s listening on %s (driver: %s)", version.Short(), addr, cfg.Driver.Name)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}

// defaultConfig is used when no config file is given: in-memory driver,
// file-backed key store under the working directory.
func defaultConfig() erpconnector.Config {
	return erpconnector.Config{
		Driver:   erpconnector.DriverConfig{Name: "memory"},
		KeyStore: erpconnector.KeyStoreConfig{Type: erpconnector.StoreFile},
	}
}
