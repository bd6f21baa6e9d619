// Copilot Gateway
//
// A local HTTP gateway that re-exposes GitHub Copilot Chat under three
// wire formats at once: the OpenAI /v1 surface, the Anthropic
// /v1/messages surface, and the Ollama /api surface. It owns credential
// storage and refresh, keeps a per-profile catalog of callable models,
// and translates streams between SSE and NDJSON.
//
// CLI Usage:
//
//	--port=3000      Listen port (11434 in --ollama mode)
//	--host=localhost Listen host
//	--ollama         Switch the default port to Ollama's 11434
//	--verbose        Increase log verbosity (repeatable via COPILOT_VERBOSE)
//	--check-auth     Resolve a credential, print its masked form, and exit
//
// Environment Variables:
//   - COPILOT_CONFIG_DIR: override the state directory
//   - COPILOT_API_KEY: a Copilot session token used as the launch credential
//   - COPILOT_OAUTH_TOKEN / OAUTH_TOKEN: GitHub token exchanged on demand
//   - COPILOT_API_HOST / COPILOT_API_PORT: listen address
//   - COPILOT_MODEL_DEFAULT: default model id
//   - COPILOT_VERBOSE: log verbosity 0-3
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"copilot-gateway/internal/app"
	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/catalog"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/llm"
	"copilot-gateway/internal/logging"
	"copilot-gateway/internal/transform"
	"copilot-gateway/internal/upstream"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// loadEnvFile loads a .env file from the working directory or any parent.
func loadEnvFile() {
	if err := godotenv.Load(); err == nil {
		return
	}
	workDir, err := os.Getwd()
	if err != nil {
		return
	}
	for dir := workDir; dir != "/"; dir = filepath.Dir(dir) {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
	}
}

// fallbackToken is the credential the process was launched with, if any.
func fallbackToken() string {
	for _, name := range []string{"COPILOT_API_KEY", "COPILOT_OAUTH_TOKEN", "OAUTH_TOKEN", "GITHUB_TOKEN"} {
		if v := os.Getenv(name); auth.IsCopilotToken(v) {
			return v
		}
	}
	return ""
}

func main() {
	loadEnvFile()

	port := flag.Int("port", 0, "Listen port (default 3000, or 11434 with --ollama)")
	host := flag.String("host", "", "Listen host (default localhost)")
	ollamaMode := flag.Bool("ollama", false, "Serve on Ollama's default port 11434")
	verbose := flag.Bool("verbose", false, "Increase log verbosity")
	checkAuth := flag.Bool("check-auth", false, "Resolve a credential, print its masked form, and exit")
	flag.Parse()

	dir, err := config.Dir()
	if err != nil {
		log.Fatalf("resolving config dir: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	} else if *ollamaMode && cfg.Port == config.DefaultPort {
		cfg.Port = config.DefaultOllamaPort
	}
	if *verbose && cfg.Verbose < 1 {
		cfg.Verbose = 1
	}

	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	store := auth.NewStore(dir, logger)
	resolver := auth.NewResolver(store, logger)

	if *checkAuth {
		token := resolver.Resolve(context.Background(), auth.ResolveOptions{
			Fallback:         fallbackToken(),
			RefreshIfMissing: true,
		})
		if token == "" {
			fmt.Println("No Copilot credential resolved. Set COPILOT_API_KEY or sign in first.")
			os.Exit(1)
		}
		fmt.Printf("Resolved credential: %s\n", auth.MaskToken(token))
		if exp, ok := auth.TokenExpiry(token); ok {
			fmt.Printf("Expires: %s\n", exp.UTC().Format(time.RFC3339))
		}
		return
	}

	client := upstream.NewClient(logger)
	cat := catalog.New(dir, client, time.Duration(cfg.Catalog.TTLMinutes)*time.Minute, logger)
	selector := catalog.NewSelector(cat, logger)
	scheduler := catalog.NewService(cat, store, resolver,
		time.Duration(cfg.Model.RefreshIntervalMinutes)*time.Minute, false, logger)

	mapping := llm.NewModelMapping()
	commands := llm.NewCommands(cfg, mapping, cat, logger)
	transforms := transform.NewRunner(cfg.Transforms, logger)

	dispatcher := llm.NewDispatcher(llm.Options{
		Config:        cfg,
		Client:        client,
		Resolver:      resolver,
		Profiles:      store,
		Selector:      selector,
		Commands:      commands,
		Transforms:    transforms,
		Mapping:       mapping,
		Logger:        logger,
		FallbackToken: fallbackToken(),
		AnonymousOK:   true,
	})

	a := app.New(app.Options{
		Config:        cfg,
		Dispatcher:    dispatcher,
		Catalog:       cat,
		Resolver:      resolver,
		Store:         store,
		Logger:        logger,
		FallbackToken: fallbackToken(),
	})

	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: a.Router,
	}

	go func() {
		logger.Info("gateway listening",
			zap.String("addr", addr),
			zap.String("config_dir", dir),
			zap.String("default_model", cfg.Model.Default))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
