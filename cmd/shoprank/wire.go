package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"shoprank/internal/browse"
	"shoprank/internal/config"
	"shoprank/internal/fetcher"
	"shoprank/internal/metrics"
	"shoprank/internal/openapi"
	"shoprank/internal/router"
)

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

func newMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, metrics.New(reg)
}

// buildRouter wires both resolvers. The structured resolver is left out when
// API credentials are missing so organic items fall back to browsing.
func buildRouter(cfg *config.Config, logger *slog.Logger) (*router.Router, error) {
	browser := fetcher.NewChromeBrowser(fetcher.ChromeOptions{
		DisableHeadless: cfg.Browser.DisableHeadless,
		UserAgent:       cfg.Browser.UserAgent,
		ProxyURL:        cfg.Browser.ProxyURL,
		Stealth:         cfg.Browser.Stealth,
		WindowWidth:     cfg.Browser.WindowWidth,
		WindowHeight:    cfg.Browser.WindowHeight,
		Logger:          logger,
	})
	browsing := browse.NewResolver(browser, browse.Options{
		Browser:   cfg.Browser,
		Selectors: cfg.Selectors,
		Shaping:   cfg.Shaping,
		Logger:    logger,
	})

	opts := router.Options{
		OrganicPages:   cfg.Browser.MaxPages,
		SponsoredPages: cfg.Browser.SponsoredMaxPages,
		Logger:         logger,
	}
	if !cfg.OpenAPI.Configured() {
		logger.Warn("search api credentials missing, organic items use browser emulation")
		return router.New(nil, browsing, opts), nil
	}

	httpClient, err := fetcher.NewHTTPClient(fetcher.Options{
		UserAgent: cfg.OpenAPI.UserAgent,
		Timeout:   cfg.OpenAPI.Timeout.Duration,
		Limiter: fetcher.NewHostLimiter(fetcher.RateLimit{
			Requests: cfg.OpenAPI.RateLimit.Requests,
			Window:   cfg.OpenAPI.RateLimit.Window.Duration,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	client, err := openapi.NewClient(httpClient, cfg.OpenAPI.Endpoint, cfg.OpenAPI.ClientID, cfg.OpenAPI.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("build search api client: %w", err)
	}
	structured := openapi.NewResolver(client, httpClient, openapi.Options{
		PageSize:        cfg.OpenAPI.PageSize,
		Pages:           cfg.OpenAPI.Pages,
		BatchSize:       cfg.OpenAPI.RedirectBatchSize,
		RedirectTimeout: cfg.OpenAPI.RedirectTimeout.Duration,
		Logger:          logger,
	})
	return router.New(structured, browsing, opts), nil
}
