package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pal-router/internal/config"
	"pal-router/internal/provider"
	geminiClient "pal-router/internal/provider/gemini"
	openaiClient "pal-router/internal/provider/openaihttp"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// BuildDispatcher constructs provider clients from configuration and wires
// them into a dispatcher, including the passthrough fallback.
func BuildDispatcher(ctx context.Context, cfg config.Config) (*provider.Dispatcher, error) {
	dispatcher := provider.NewDispatcher()

	for name, providerCfg := range cfg.Providers {
		client, err := buildClient(ctx, name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("initialise provider %s: %w", name, err)
		}
		if err := dispatcher.Register(name, client); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", name, err)
		}
		if name == cfg.FallbackProvider {
			dispatcher.SetFallback(client)
		}
	}

	return dispatcher, nil
}

func buildClient(ctx context.Context, name string, cfg config.ProviderConfig) (provider.Client, error) {
	switch cfg.Style {
	case "openai":
		return openaiClient.New(name, cfg, newHTTPClient(defaultHTTPTimeout))
	case "gemini":
		return geminiClient.New(ctx, name, cfg.APIKey)
	default:
		return nil, errors.New("unsupported provider style " + cfg.Style)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
