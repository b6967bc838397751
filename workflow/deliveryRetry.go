package workflow

import (
	"math"
	"os"
	"strconv"
	"time"
)

type deliveryRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getDeliveryRetryConfig() deliveryRetryConfig {
	cfg := deliveryRetryConfig{
		maxAttempts: 10,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("DELIVERY_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DELIVERY_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func deliveryBackoff(attempt int, cfg deliveryRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}
