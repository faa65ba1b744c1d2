package sending

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/noteable-io/sending/backend"
	gochannelbackend "github.com/noteable-io/sending/backend/gochannel"
	memorybackend "github.com/noteable-io/sending/backend/memory"
	natsbackend "github.com/noteable-io/sending/backend/nats"
	redisbackend "github.com/noteable-io/sending/backend/redis"
	websocketbackend "github.com/noteable-io/sending/backend/websocket"
)

// Config selects and tunes a manager from the environment. Backend-specific
// settings (REDIS_ADDR, NATS_URL, SENDING_WS_URL, ...) are decoded by the
// chosen adapter's own Config.
type Config struct {
	// Backend names the transport adapter: memory, gochannel, redis, nats,
	// or websocket. ENV: SENDING_BACKEND
	Backend string `env:"SENDING_BACKEND,default=memory"`
	// OutboundQueueSize bounds the publish-to-backend queue.
	// ENV: SENDING_QUEUE_SIZE
	OutboundQueueSize int `env:"SENDING_QUEUE_SIZE,default=256"`
	// OutboundWorkers is the number of backend publish workers.
	// ENV: SENDING_OUTBOUND_WORKERS
	OutboundWorkers int `env:"SENDING_OUTBOUND_WORKERS,default=1"`
	// Echo makes shared sessions receive their own publishes.
	// ENV: SENDING_ECHO
	Echo bool `env:"SENDING_ECHO,default=false"`
	// BridgeMaxRetries bounds each topic bridge's reconnect loop.
	// ENV: SENDING_BRIDGE_MAX_RETRIES
	BridgeMaxRetries int `env:"SENDING_BRIDGE_MAX_RETRIES,default=5"`
	// BridgeBackoff is the initial reconnect delay; it doubles per attempt.
	// ENV: SENDING_BRIDGE_BACKOFF
	BridgeBackoff time.Duration `env:"SENDING_BRIDGE_BACKOFF,default=250ms"`
}

// NewFromEnv builds a Manager using envdecode to populate Config and the
// selected backend's configuration.
func NewFromEnv() (*Manager, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode sending config: %w", err)
	}

	b, err := newBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithOutboundQueueSize(cfg.OutboundQueueSize),
		WithOutboundWorkers(cfg.OutboundWorkers),
		WithBridgeRetry(cfg.BridgeMaxRetries, cfg.BridgeBackoff),
	}
	if cfg.Echo {
		opts = append(opts, WithEcho())
	}
	return New(b, opts...), nil
}

func newBackend(name string) (backend.Backend, error) {
	switch name {
	case "", "memory":
		return memorybackend.New(), nil
	case "gochannel":
		return gochannelbackend.New(), nil
	case "redis":
		return redisbackend.NewFromEnv()
	case "nats":
		return natsbackend.NewFromEnv()
	case "websocket":
		return websocketbackend.NewFromEnv()
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
