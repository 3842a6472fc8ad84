package api

import "time"

// Config holds server configuration.
type Config struct {
	Port              int
	AllowedOrigins    []string // CORS and websocket origins (empty = allow all)
	RateLimitRequests int      // Requests per minute (0 = disabled)
	RateLimitBurst    int      // Burst size
	MaxBodyBytes      int64    // Upper bound on request bodies
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	Auth              AuthConfig // Authentication configuration
	Version           string     // Reported by / and /health
}

// DefaultConfig returns the configuration used by `marginalia serve`.
func DefaultConfig() Config {
	return Config{
		Port:              8080,
		RateLimitRequests: 600,
		RateLimitBurst:    20,
		MaxBodyBytes:      10 << 20,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Version:           "dev",
	}
}
