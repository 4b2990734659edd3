// Command interviewd serves the interview simulator: the inference relay on
// the chat path and the browser bridge on the WebSocket path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/voice-interview/vint/bridge"
	"github.com/ZanzyTHEbar/voice-interview/vint/config"
	"github.com/ZanzyTHEbar/voice-interview/vint/interview/adapters"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/ZanzyTHEbar/voice-interview/vint/logging"
	"github.com/ZanzyTHEbar/voice-interview/vint/proxy"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("VINT_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "interviewd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt, err := proxy.NewPromptSource(cfg.Proxy.SystemPromptFile, logger)
	if err != nil {
		return err
	}

	var limiter ports.RateLimiter = adapters.NoopRateLimiter{}
	if cfg.Proxy.RateLimitEnabled {
		limiter = adapters.NewTokenBucket(cfg.Proxy.RateLimitCapacity, cfg.Proxy.RateLimitRefillRate)
	}

	srv := proxy.NewServer(proxy.Options{
		Server:  cfg.Server,
		Proxy:   cfg.Proxy,
		Prompt:  prompt,
		Limiter: limiter,
		Logger:  logger,
	})

	hub := bridge.NewHub(bridge.HubOptions{Config: cfg, Logger: logger})
	srv.Echo().GET(cfg.Server.WSPath, echo.WrapHandler(hub))

	if _, ok := os.LookupEnv(cfg.Proxy.CredentialEnv); !ok {
		logger.Warn().Str("env", cfg.Proxy.CredentialEnv).Msg("provider credential not set; chat requests will fail")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Proxy.SystemPromptFile != "" {
		g.Go(func() error { return prompt.Watch(gctx) })
	}
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("chat", cfg.Server.ChatPath).
			Str("ws", cfg.Server.WSPath).
			Msg("routes mounted")
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
