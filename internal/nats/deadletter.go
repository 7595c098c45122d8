package nats

import (
	"context"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// DeadLetter copies a rejected delivery to the stage's dead-letter subject,
// keeping its envelope and recording why it was rejected. The stream keeps
// it until MaxAge.
func (c *Channel) DeadLetter(ctx context.Context, stage string, d core.Delivery, reason string) error {
	env := d.Envelope()
	if env.MessageID == "" {
		env.MessageID = core.NewMessageID()
	} else {
		// A fresh id keeps the copy out of the rejected message's duplicate window.
		env.MessageID = env.MessageID + "-dead"
	}
	return c.publish(ctx, DeadLetterSubject(stage), "dead."+stage, env, d.Payload(), reason)
}
