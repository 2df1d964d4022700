// Escrow ledger MCP server - exposes order lookups and settlement as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowledger/internal/mcpserver"
)

var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("ESCROW_API_URL", "http://localhost:8080"),
	}

	// Without a key only the read-only tools work.
	if hexKey := os.Getenv("ESCROW_CALLER_KEY"); hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "ESCROW_CALLER_KEY is invalid: %v\n", err)
			os.Exit(1)
		}
		cfg.Key = key
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
