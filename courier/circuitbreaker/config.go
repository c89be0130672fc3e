package circuitbreaker

import "time"

// DefaultConfig opens after five straight broker failures, or once half of at
// least ten publishes in a two minute window failed, and probes again after
// thirty seconds.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// ConservativeConfig suits brokers with frequent short failovers, where
// failing fast early would stall the relay more than the retries cost.
func ConservativeConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRequests = 5
	cfg.Interval = 5 * time.Minute
	cfg.OpenTimeout = time.Minute
	cfg.ConsecutiveFailures = 25
	cfg.FailureRatio = 0.6
	cfg.MinRequests = 20

	return cfg
}
