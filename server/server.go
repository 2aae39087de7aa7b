// Package server exposes the memory engine over the Model Context Protocol.
// The daemon serves on stdio so any MCP-capable agent host can attach it as
// a tool provider.
package server

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/evermind-ai/evermind/memory"
)

// Server wraps an MCP stdio server around a memory.Manager.
type Server struct {
	mcp     *server.MCPServer
	manager *memory.Manager
	logger  zerolog.Logger
}

// New creates the MCP server and registers the memory tools.
func New(manager *memory.Manager, version string, logger zerolog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"evermind",
			version,
			server.WithToolCapabilities(false),
		),
		manager: manager,
		logger:  logger.With().Str("component", "mcp-server").Logger(),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	s.logger.Info().Msg("Serving MCP on stdio")
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
