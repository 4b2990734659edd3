// Package proxy is the inference relay. It attaches the provider credential,
// forwards the conversation upstream with streaming enabled and re-frames the
// provider's stream into the normalized token stream.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ZanzyTHEbar/voice-interview/vint/config"
	"github.com/ZanzyTHEbar/voice-interview/vint/framing"
	"github.com/ZanzyTHEbar/voice-interview/vint/interview/adapters"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// ErrMissingCredential is reported when the provider credential is not set.
var ErrMissingCredential = errors.New("provider credential missing")

// Options configure a Server.
type Options struct {
	Server   config.ServerConfig
	Proxy    config.ProxyConfig
	Upstream Upstream
	Prompt   *PromptSource
	Limiter  ports.RateLimiter
	Logger   zerolog.Logger
}

// Server serves the chat relay and health check. Other handlers, such as the
// browser bridge, are mounted on Echo().
type Server struct {
	echo     *echo.Echo
	opts     Options
	upstream Upstream
	prompt   *PromptSource
	limiter  ports.RateLimiter
	logger   zerolog.Logger
}

// NewServer wires routes and middleware. Missing collaborators fall back to
// the OpenAI-compatible upstream from opts.Proxy, the built-in prompt and no
// rate limiting.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:     opts,
		upstream: opts.Upstream,
		prompt:   opts.Prompt,
		limiter:  opts.Limiter,
		logger:   opts.Logger.With().Str("component", "proxy").Logger(),
	}
	if s.upstream == nil {
		s.upstream = &OpenAIUpstream{
			BaseURL:     opts.Proxy.BaseURL,
			Model:       opts.Proxy.Model,
			Temperature: opts.Proxy.Temperature,
			MaxTokens:   opts.Proxy.MaxTokens,
		}
	}
	if s.prompt == nil {
		s.prompt = StaticPrompt(DefaultSystemPrompt)
	}
	if s.limiter == nil {
		s.limiter = adapters.NoopRateLimiter{}
	}

	chatPath := opts.Server.ChatPath
	if chatPath == "" {
		chatPath = "/chat"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.logger))
	if len(opts.Server.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.Server.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		}))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST(chatPath, s.chat)

	s.echo = e
	return s
}

// Echo exposes the router for additional handlers.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on addr and blocks until the server stops. A clean shutdown
// returns nil.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) chat(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	release, err := s.limiter.Acquire(ctx, c.RealIP())
	if err != nil {
		var rlErr *adapters.RateLimitError
		if errors.As(err, &rlErr) {
			secs := int(math.Ceil(rlErr.RetryAfter.Seconds()))
			c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": rlErr.Error()})
		}
		return err
	}
	defer release()

	apiKey := os.Getenv(s.opts.Proxy.CredentialEnv)
	if apiKey == "" {
		s.logger.Error().Str("env", s.opts.Proxy.CredentialEnv).Msg("credential missing")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("%s: %s is not set", ErrMissingCredential, s.opts.Proxy.CredentialEnv),
		})
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}
	if err := ValidateChatRequest(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var chatReq ports.ChatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache, no-transform")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	enc := framing.NewEncoder(res)
	tokens := 0
	err = s.upstream.Stream(ctx, apiKey, s.prompt.Prompt(), chatReq.Messages, func(token string) {
		tokens++
		if werr := enc.Token(token); werr != nil {
			s.logger.Debug().Err(werr).Msg("token write failed")
		}
	})

	switch {
	case err == nil:
		_ = enc.Done()
	case ctx.Err() != nil:
		s.logger.Debug().Int("tokens", tokens).Msg("client went away mid-stream")
	default:
		s.logger.Error().Err(err).Int("tokens", tokens).Msg("upstream stream failed")
		_ = enc.Error(err.Error())
	}
	return nil
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			evt := logger.Info()
			if res.Status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("bytes_out", res.Size).
				Dur("latency", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}
