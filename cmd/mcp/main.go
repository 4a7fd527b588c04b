// Command mcp serves the contagion risk API as MCP tools over stdio, so an
// LLM assistant can look up account risk, browse zones and run what-if
// simulations.
package main

import (
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/contagion/internal/logging"
	"github.com/mbd888/contagion/internal/mcpserver"
)

func main() {
	// stdout carries the protocol; diagnostics go to stderr
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")
	slog.SetDefault(logger)

	cfg := mcpserver.Config{
		APIURL: os.Getenv("CONTAGION_API_URL"),
		APIKey: os.Getenv("CONTAGION_API_KEY"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}

	logger.Info("starting contagion MCP server", "version", mcpserver.Version, "api", cfg.APIURL)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
