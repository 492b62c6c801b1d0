// Package transport owns the downstream connections the monitoring core
// publishes to — currently NATS, the notification router's sole transport.
// Adapted from go-server/pkg/nats's connection-handling client: the same
// reconnect/error callback wiring, re-targeted at zerolog and a bare
// Publish surface (this core has no subjects to subscribe to).
package transport

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig carries connection tunables.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // reconnect forever
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = 500 * time.Millisecond
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 3
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	return c
}

// NATSPublisher publishes notification payloads to NATS subjects. It
// implements notifier.Publisher.
type NATSPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSPublisher connects to NATS and returns a Publisher.
func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	cfg = cfg.withDefaults()
	p := &NATSPublisher{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(p.connectHandler),
		nats.DisconnectErrHandler(p.disconnectHandler),
		nats.ReconnectHandler(p.reconnectHandler),
		nats.ErrorHandler(p.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	p.conn = conn
	return p, nil
}

func (p *NATSPublisher) connectHandler(conn *nats.Conn) {
	p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
}

func (p *NATSPublisher) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		p.logger.Warn().Err(err).Msg("disconnected from nats")
		return
	}
	p.logger.Warn().Msg("disconnected from nats")
}

func (p *NATSPublisher) reconnectHandler(conn *nats.Conn) {
	p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to nats")
}

func (p *NATSPublisher) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	p.logger.Error().Err(err).Msg("nats error")
}

// Publish sends data on subject.
func (p *NATSPublisher) Publish(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
