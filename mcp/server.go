// Package mcp is the tool layer: it maps MCP tool invocations onto the
// payment client, session cache, wallet and account client, and renders
// plain-text responses. The typed error taxonomy of the layers below stops
// at this boundary and becomes display strings.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

const (
	serverName    = "proxyhub-mcp"
	serverVersion = "1.0.0"
)

// Server wraps the MCP SDK server with the registered proxyhub tools.
type Server struct {
	inner  *mcpsdk.Server
	logger zerolog.Logger
}

// NewServer builds the MCP server and registers every tool the configured
// handlers support. Account tools appear only when account credentials are
// configured.
func NewServer(h *Handlers, logger zerolog.Logger) *Server {
	inner := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	s := &Server{inner: inner, logger: logger.With().Str("component", "mcp").Logger()}
	h.register(inner)
	return s
}

// RunStdio serves the MCP protocol over stdin/stdout until ctx is done.
// All logging goes to stderr; stdout belongs to the transport.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info().Msg("serving MCP over stdio")
	return s.inner.Run(ctx, &mcpsdk.StdioTransport{})
}

// RunSSE serves the MCP protocol over SSE on the given port.
func (s *Server) RunSSE(ctx context.Context, port string) error {
	sseHandler := mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
		return s.inner
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseHandler)
	mux.Handle("/messages", sseHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "server": serverName})
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	s.logger.Info().Str("port", port).Msg("serving MCP over SSE")
	return server.ListenAndServe()
}
