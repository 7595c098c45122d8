package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Options configures the broker connection of one process.
type Options struct {
	URL      string
	Name     string
	User     string
	Password string

	// ConfirmTimeout bounds how long a publish waits for the broker ack.
	ConfirmTimeout time.Duration

	Stream StreamOptions
}

// Channel is the owned broker handle of a process: one connection, one
// JetStream context, released by Close.
type Channel struct {
	nc *nats.Conn
	js jetstream.JetStream

	confirmTimeout time.Duration
	logger         *slog.Logger
}

// New connects to NATS and sets up the pipeline stream and status bucket.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker disconnected", "error", err)
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Error("broker connection closed")
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := SetupJetStream(setupCtx, js, opts.Stream); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Channel{nc: nc, js: js, confirmTimeout: timeout, logger: logger}, nil
}

// JetStream returns the JetStream context for consumers and KV access.
func (c *Channel) JetStream() jetstream.JetStream {
	return c.js
}

// StatusBucket opens the status KV bucket.
func (c *Channel) StatusBucket(ctx context.Context) (jetstream.KeyValue, error) {
	bucket, err := c.js.KeyValue(ctx, BucketStatus)
	if err != nil {
		return nil, fmt.Errorf("opening KV bucket %s: %w", BucketStatus, err)
	}
	return bucket, nil
}

// Closed reports whether the connection is gone for good.
func (c *Channel) Closed() bool {
	return c.nc.IsClosed()
}

// Close drains pending publishes and closes the connection.
func (c *Channel) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}
