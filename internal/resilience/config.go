package resilience

import (
	"time"

	"github.com/sells-group/payment-proxy/internal/config"
)

// RetryFromConfig converts configured values to a RetryConfig, keeping
// defaults for anything unset.
func RetryFromConfig(cfg config.ResilienceConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		rc.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond
	}
	if cfg.RetryMaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond
	}
	return rc
}

// CircuitFromConfig converts configured values to a CircuitBreakerConfig.
func CircuitFromConfig(cfg config.ResilienceConfig) CircuitBreakerConfig {
	cc := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		cc.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetTimeoutSecs > 0 {
		cc.ResetTimeout = time.Duration(cfg.CircuitResetTimeoutSecs) * time.Second
	}
	return cc
}
