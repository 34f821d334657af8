package irrigation_controller

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig trips after Fails consecutive failures and stays open for Open.
type BreakerConfig struct {
	Fails    int
	Open     time.Duration
	Interval time.Duration
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	fails := cfg.Fails
	if fails <= 0 {
		fails = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval,
		Timeout:  cfg.Open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
	})
}
