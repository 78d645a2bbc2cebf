// Package app is the composition root: it wires the registry, memory
// store, orchestrator, verifier, client-config manager, and gateway
// together into one running process and owns the process's lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"mcpgate/internal/appconfig"
	"mcpgate/internal/clientconfig"
	"mcpgate/internal/gateway"
	"mcpgate/internal/memory"
	"mcpgate/internal/orchestrator"
	"mcpgate/internal/registry"
	"mcpgate/internal/verifier"
	"mcpgate/pkg/logging"
)

const subsystem = "App"

const (
	verifierTimeout = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Config captures the command-line-derived settings NewApplication needs
// before it can load anything from disk.
type Config struct {
	Debug     bool
	Silent    bool
	ConfigDir string // empty means appconfig.DefaultConfigDir()
}

// NewConfig constructs a Config from CLI flags.
func NewConfig(debug, silent bool, configDir string) *Config {
	return &Config{Debug: debug, Silent: silent, ConfigDir: configDir}
}

// Application owns every long-lived component and the gateway's MCP server.
type Application struct {
	AppConfig appconfig.Config
	Registry  *registry.Registry
	Memory    *memory.Store
	Orch      *orchestrator.Orchestrator
	Verifier  *verifier.Verifier
	Clients   *clientconfig.Manager
	Gateway   *gateway.Gateway
}

// NewApplication runs the full bootstrap sequence: configure logging, load
// config.yaml and .env, open the registry and memory store, and wire the
// gateway on top of them. It does not start serving — call Serve for that.
func NewApplication(cfg *Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	var out io.Writer = os.Stderr // stdout is reserved for the MCP wire protocol
	if cfg.Silent {
		out = io.Discard
	}
	logging.InitForCLI(level, out)

	configDir := cfg.ConfigDir
	if configDir == "" {
		dir, err := appconfig.DefaultConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config directory: %w", err)
		}
		configDir = dir
	}

	appCfg, err := appconfig.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.Debug {
		logging.InitForCLI(appconfig.ParseLogLevel(appCfg.LogLevel), out)
	}
	if err := appconfig.LoadDotEnv(configDir); err != nil {
		logging.Warn(subsystem, "failed to load .env: %v", err)
	}

	regPath := filepath.Join(configDir, "backends.json")
	memPath := filepath.Join(configDir, "memory.json")

	reg := registry.New(regPath)
	mem := memory.New(memPath)
	orch := orchestrator.New()
	v := verifier.New(verifierTimeout)
	clients := clientconfig.New()
	gw := gateway.New(reg, orch, mem, v, clients)

	return &Application{
		AppConfig: appCfg,
		Registry:  reg,
		Memory:    mem,
		Orch:      orch,
		Verifier:  v,
		Clients:   clients,
		Gateway:   gw,
	}, nil
}

// Serve starts the gateway's stdio transport, auto-activates any
// auto_activate backends, and blocks until ctx is cancelled or the process
// receives SIGINT/SIGTERM — at which point every active backend is stopped
// before returning.
func (a *Application) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.Gateway.AutoActivate(ctx)

	stdioServer := mcpserver.NewStdioServer(a.Gateway.MCPServer())
	errCh := make(chan error, 1)
	go func() {
		errCh <- stdioServer.Listen(ctx, os.Stdin, os.Stdout)
	}()

	logging.Info(subsystem, "Gateway serving on stdio")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logging.Info(subsystem, "Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Gateway.Shutdown(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
