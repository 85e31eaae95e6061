package ethsock

import (
	"log/slog"
	"time"
)

const defaultDetachedTimeout = 10 * time.Second

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger          *slog.Logger
	onSend          func([]byte)
	onReceive       func([]byte)
	detachedTimeout time.Duration
}

func (c *clientConfig) applyDefaults() {
	if c.detachedTimeout <= 0 {
		c.detachedTimeout = defaultDetachedTimeout
	}
}

// WithLogger sets a structured logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithOnSend sets a callback invoked with each serialized payload before it
// is sent.
func WithOnSend(fn func(payload []byte)) ClientOption {
	return func(c *clientConfig) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked with each raw message received.
func WithOnReceive(fn func(raw []byte)) ClientOption {
	return func(c *clientConfig) {
		c.onReceive = fn
	}
}

// WithDetachedTimeout bounds calls the client issues on its own behalf,
// such as fire-and-forget unsubscribes and receipt probes.
func WithDetachedTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.detachedTimeout = d
	}
}
