// Package mcp provides an MCP (Model Context Protocol) server exposing
// heatstep to agents: stepping worlds, generating them and inspecting runs,
// devices and checkpoints.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/heatstep/internal/config"
	"github.com/nvandessel/heatstep/internal/ratelimit"
	"github.com/nvandessel/heatstep/internal/store"
)

// Server wraps the MCP SDK server with heatstep's tools.
type Server struct {
	server       *sdk.Server
	store        store.RunStore
	root         string
	heat         *config.HeatConfig
	logger       *slog.Logger
	toolLimiters ratelimit.ToolLimiters
	auditLogger  *AuditLogger
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "heatstep")
	Version string // Server version
	Root    string // Project root directory

	// Heat supplies device and stepping defaults; nil uses config.Default().
	Heat   *config.HeatConfig
	Logger *slog.Logger
}

// NewServer creates a new MCP server with heatstep tools. Runs are recorded
// in the project's run ledger.
func NewServer(cfg *Config) (*Server, error) {
	heat := cfg.Heat
	if heat == nil {
		heat = config.Default()
	}
	if err := heat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runStore, err := store.NewSQLiteRunStore(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		store:        runStore,
		root:         cfg.Root,
		heat:         heat,
		logger:       logger,
		toolLimiters: ratelimit.NewToolLimiters(),
		auditLogger:  NewAuditLogger(filepath.Join(cfg.Root, config.DirName)),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until the client disconnects, ctx is cancelled or
// the process is signalled.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the run store and audit log.
func (s *Server) Close() error {
	err := s.store.Close()
	if aerr := s.auditLogger.Close(); err == nil {
		err = aerr
	}
	return err
}
