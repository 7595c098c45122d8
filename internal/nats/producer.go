package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
)

// Publish sends payload to route and blocks until JetStream confirms it was
// stored, or the confirm timeout elapses.
func (c *Channel) Publish(ctx context.Context, route core.Route, env core.Envelope, payload []byte) error {
	return c.publish(ctx, RouteSubject(route), string(route), env, payload, "")
}

func (c *Channel) publish(ctx context.Context, subject, label string, env core.Envelope, payload []byte, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	msg := encodeMsg(subject, env, payload)
	if reason != "" {
		msg.Header.Set(HeaderReason, reason)
	}

	start := time.Now()
	_, err := c.js.PublishMsg(ctx, msg)
	metrics.PublishDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PublishTotal.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("publish %s to %s: %w", env.MessageID, subject, err)
	}
	metrics.PublishTotal.WithLabelValues(label, "ok").Inc()
	return nil
}
