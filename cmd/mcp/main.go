// Quest runner MCP server.
// Exposes quest progress tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/questrunner/internal/mcp"
	"github.com/gateway-fm/questrunner/internal/storage"
)

func main() {
	s := server.NewMCPServer(
		"questrunner",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	// A database path reads the progress file directly, otherwise the
	// tools go through a running status API.
	var src mcptools.Source
	if dbPath := os.Getenv("QUESTRUNNER_DB"); dbPath != "" {
		store, err := storage.NewSQLiteStorage(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		src = store
	} else {
		statusURL := os.Getenv("QUESTRUNNER_URL")
		if statusURL == "" {
			statusURL = "http://localhost:3001"
		}
		src = mcptools.NewClient(statusURL)
	}

	mcptools.RegisterTools(s, src)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
