package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
//
// Without jitter the delay is InitialDelay*Multiplier^(N-1) capped at MaxDelay. With jitter
// the delay is drawn from [step(N-1), step(N)], so successive delays never decrease and
// never exceed the cap.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return capDelay(cfg, float64(cfg.InitialDelay))
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	upper := capDelay(cfg, stepDelay(cfg, attempt))
	if !cfg.Jitter {
		return upper
	}
	lower := capDelay(cfg, stepDelay(cfg, attempt-1))
	f := 0.5
	if rng != nil {
		f = rng.Float64()
	}
	return lower + time.Duration(float64(upper-lower)*f)
}

func stepDelay(cfg BackoffConfig, attempt int) float64 {
	return float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
}

func capDelay(cfg BackoffConfig, delay float64) time.Duration {
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
