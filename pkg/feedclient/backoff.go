package feedclient

import "time"

// Reconnect policy. Fixed constants, not runtime-configurable.
const (
	maxReconnectAttempts   = 3
	baseReconnectDelay     = 250 * time.Millisecond
	maxReconnectDelay      = 5 * time.Second
	reconnectBackoffFactor = 2
)

// reconnectDelay returns the wait before retry number attempt (1-based).
func reconnectDelay(attempt int) time.Duration {
	delay := baseReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= reconnectBackoffFactor
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}
