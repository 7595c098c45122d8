package nats

import (
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// Envelope headers. The message id travels in Nats-Msg-Id so publish
// retries inside the duplicate window are dropped by the server.
const (
	HeaderSender    = "Imagepipe-Sender"
	HeaderTimestamp = "Imagepipe-Timestamp"
	HeaderRoute     = "Imagepipe-Route"
	HeaderReason    = "Imagepipe-Reason"
)

// encodeMsg builds the NATS message for a payload and its envelope.
func encodeMsg(subject string, env core.Envelope, payload []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(nats.MsgIdHdr, env.MessageID)
	msg.Header.Set(HeaderSender, env.Sender)
	msg.Header.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp.UnixMilli(), 10))
	msg.Header.Set(HeaderRoute, string(env.Route))
	msg.Data = payload
	return msg
}

// decodeEnvelope reads the envelope back from message headers. Missing
// fields stay zero; the sender filter rejects anonymous messages.
func decodeEnvelope(h nats.Header) core.Envelope {
	env := core.Envelope{
		Sender:    h.Get(HeaderSender),
		MessageID: h.Get(nats.MsgIdHdr),
		Route:     core.Route(h.Get(HeaderRoute)),
	}
	if ms, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64); err == nil {
		env.Timestamp = time.UnixMilli(ms)
	}
	return env
}
