package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL     string
	APIKey          string
	APISecret       string
	HTTPTimeout     time.Duration
	RateLimitPerMin int

	ProxyEnabled bool
	RESTProxyURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.RateLimitPerMin <= 0 {
		out.RateLimitPerMin = 1200
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}
