package config

// DefaultAddr is the default listen address for the API and WebSocket server.
const DefaultAddr = "127.0.0.1:7080"

// Pairing, reconnect and rate-limit defaults.
const (
	DefaultSettleDelayMs        = 10000
	DefaultPairingRetryDelayMs  = 5000
	DefaultPairingReadyRetries  = 15
	DefaultPairingErrorRetries  = 3
	DefaultReconnectDelayMs     = 5000
	DefaultReconnectRetries     = 5
	DefaultConnectRatePerMinute = 30
	DefaultSimReadyDelayMs      = 2000
)
