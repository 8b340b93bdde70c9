package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/promptd/internal/api"
	"github.com/kalambet/promptd/internal/clarify"
	"github.com/kalambet/promptd/internal/config"
	"github.com/kalambet/promptd/internal/executor"
	"github.com/kalambet/promptd/internal/live"
	"github.com/kalambet/promptd/internal/provider"
	"github.com/kalambet/promptd/internal/scheduler"
	"github.com/kalambet/promptd/internal/storage"
	"github.com/kalambet/promptd/internal/version"
)

const (
	defaultSessionTTL  = time.Hour
	sessionSweepPeriod = time.Minute
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the promptd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running promptd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show promptd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "promptd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// modelsFromConfig builds the fan-out target list from the enabled providers.
func modelsFromConfig(cfg config.Config) []executor.ModelConfig {
	var models []executor.ModelConfig
	if cfg.Providers.Ollama.Enabled {
		models = append(models, executor.ModelConfig{
			Provider: provider.IDOllama,
			Model:    cfg.Providers.Ollama.Model,
			Enabled:  true,
		})
	}
	if cfg.Providers.OpenRouter.Enabled {
		models = append(models, executor.ModelConfig{
			Provider: provider.IDOpenRouter,
			Model:    cfg.Providers.OpenRouter.Model,
			Enabled:  true,
		})
	}
	if cfg.Providers.Anthropic.Enabled {
		models = append(models, executor.ModelConfig{
			Provider: provider.IDAnthropic,
			Model:    cfg.Providers.Anthropic.Model,
			Enabled:  true,
		})
	}
	return models
}

func buildRegistry(cfg config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register(provider.IDOllama, provider.NewOllama(cfg.Providers.Ollama.BaseURL), func(baseURL string) provider.Adapter {
		return provider.NewOllama(baseURL)
	})
	if cfg.Providers.OpenRouter.APIKey != "" {
		key := cfg.Providers.OpenRouter.APIKey
		registry.Register(provider.IDOpenRouter, provider.NewOpenRouter(key), func(baseURL string) provider.Adapter {
			return provider.NewOpenRouterWithBaseURL(key, baseURL)
		})
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		registry.Register(provider.IDAnthropic, provider.NewAnthropic(cfg.Providers.Anthropic.APIKey), nil)
	}
	return registry
}

func parseDurationOr(value string, fallback time.Duration, what string) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration, using default", "setting", what, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "promptd version %s\n", buildVersion)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("promptd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("promptd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the execution pipeline.
	registry := buildRegistry(cfg)
	broadcaster := live.NewBroadcaster()
	exec := executor.New(registry, broadcaster)
	gate := clarify.NewGate(store)
	versioner := version.NewVersioner(store)
	models := modelsFromConfig(cfg)
	if len(models) == 0 {
		return fmt.Errorf("no models enabled")
	}

	pollInterval := parseDurationOr(cfg.Queue.PollInterval, time.Second, "queue.poll_interval")
	sessionTTL := parseDurationOr(cfg.Storage.SessionTTL, defaultSessionTTL, "storage.session_ttl")

	// Start the queue worker.
	worker := scheduler.NewWorker(store, exec, gate, scheduler.Options{
		Models:        models,
		SystemPrompt:  cfg.Providers.SystemPrompt,
		Concurrency:   cfg.Queue.Concurrency,
		PollInterval:  pollInterval,
		HistoryWindow: cfg.Queue.HistoryWindow,
	})
	go worker.Run(ctx)
	slog.Info("queue worker started", "concurrency", cfg.Queue.Concurrency, "models", len(models))

	// Sweep expired sessions periodically.
	go func() {
		ticker := time.NewTicker(sessionSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.ExpireSessions(time.Now().UTC())
				if err != nil {
					slog.Error("session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("expired sessions", "count", n)
				}
			}
		}
	}()

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Executor:    exec,
		Gate:        gate,
		Versioner:   versioner,
		Broadcaster: broadcaster,
		Token:       apiToken,
		SessionTTL:  sessionTTL,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      store,
		Gate:       gate,
		Versioner:  versioner,
		SessionTTL: sessionTTL,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "promptd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout, letting in-flight prompts finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	worker.Wait()
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("promptd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop promptd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to promptd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Providers.Ollama.Enabled {
		ollamaResp, err := client.Get(cfg.Providers.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Providers.Ollama.BaseURL)
		}
		printStatus("Ollama model", "%s", cfg.Providers.Ollama.Model)
	}
	if cfg.Providers.OpenRouter.Enabled {
		printStatus("OpenRouter model", "%s", cfg.Providers.OpenRouter.Model)
	}
	if cfg.Providers.Anthropic.Enabled {
		printStatus("Anthropic model", "%s", cfg.Providers.Anthropic.Model)
	}

	printStatus("Queue concurrency", "%d", cfg.Queue.Concurrency)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
