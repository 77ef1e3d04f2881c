// proxyhub-mcp exposes a payment-gated proxy API as MCP tools. Two
// independent pathways: pay-per-use x402 purchases from a local wallet,
// and optional pre-provisioned API-key/JWT account access.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proxyhub/proxyhub-mcp/api"
	"github.com/proxyhub/proxyhub-mcp/cache"
	"github.com/proxyhub/proxyhub-mcp/client"
	"github.com/proxyhub/proxyhub-mcp/config"
	"github.com/proxyhub/proxyhub-mcp/mcp"
	"github.com/proxyhub/proxyhub-mcp/wallet"
)

func main() {
	// Logs go to stderr: stdout belongs to the stdio transport.
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	network, err := wallet.NetworkByName(cfg.Network)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid network selection")
	}

	w, err := wallet.New(cfg.PrivateKey, network, cfg.RPCURL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct wallet")
	}

	cachePath := cfg.CachePath
	if cachePath == "" {
		cachePath, err = cache.DefaultPath()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve cache path")
		}
	}
	sessionCache := cache.New(cachePath, w.Address(), log.Logger)

	paymentClient, err := client.New(client.Config{
		BaseURL:          cfg.APIBaseURL,
		PreferredNetwork: network.Name,
		MaxPayment:       cfg.MaxPayment,
	}, w, sessionCache, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct payment client")
	}

	var accountClient *api.Client
	if cfg.AccountMode() {
		accountClient = api.New(cfg.APIBaseURL, cfg.APIKey, cfg.JWT, log.Logger)
	}

	handlers := mcp.NewHandlers(paymentClient, sessionCache, w, accountClient, log.Logger)
	server := mcp.NewServer(handlers, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("wallet", w.Address()).
		Str("network", network.Name).
		Str("api", cfg.APIBaseURL).
		Bool("account_mode", cfg.AccountMode()).
		Msg("starting proxyhub MCP gateway")

	switch cfg.Transport {
	case "sse":
		err = server.RunSSE(ctx, cfg.Port)
	default:
		err = server.RunStdio(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}
