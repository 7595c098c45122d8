package core

import (
	"time"

	"github.com/google/uuid"
)

// Stage identities. They are the sender names stamped on every message and
// the names of the durable consumers.
const (
	StageUpload = "upload"
	StageOCR    = "ocr"
	StageGIF    = "gif"
	StagePDF    = "pdf"
	StageFile   = "file"
)

// Route is a routing key between two stages.
type Route string

const (
	RouteIngressOCR     Route = "ingress.ocr"
	RouteIngressGIF     Route = "ingress.gif"
	RouteOCRRender      Route = "ocr.render"
	RouteRenderAssembly Route = "render.assembly"
	RouteGIFAssembly    Route = "gif.assembly"
)

// Envelope is the message metadata carried next to the payload.
type Envelope struct {
	Sender    string
	MessageID string
	Timestamp time.Time
	Route     Route
}

// NewEnvelope stamps a fresh message id and a millisecond timestamp.
func NewEnvelope(sender string, route Route) Envelope {
	return Envelope{
		Sender:    sender,
		MessageID: NewMessageID(),
		Timestamp: time.UnixMilli(time.Now().UnixMilli()),
		Route:     route,
	}
}

// NewMessageID returns a UUIDv7 string, falling back to v4 if the clock
// source fails.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Next returns the envelope for what sender publishes in reply to e. The id
// is derived from e's so a redelivered input republishes under the same id
// and is dropped by the broker's duplicate window.
func (e Envelope) Next(sender string, route Route) Envelope {
	next := NewEnvelope(sender, route)
	if e.MessageID != "" {
		next.MessageID = e.MessageID + "." + sender
	}
	return next
}
