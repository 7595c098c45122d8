package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

func newIntegrationChannel(t *testing.T) *Channel {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := New(ctx, Options{URL: natsURL, Name: "imagepipe-itest", ConfirmTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// testStage binds a throwaway consumer to its own route so runs never
// overlap with real stage filters on the work-queue stream.
func testStage(t *testing.T, ch *Channel) (string, core.Route) {
	t.Helper()
	id := core.NewJobID()
	stage := "itest-" + id
	route := core.Route("itest." + id)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = ch.JetStream().DeleteConsumer(ctx, StreamName, ConsumerName(stage))
		if s, err := ch.JetStream().Stream(ctx, StreamName); err == nil {
			_ = s.Purge(ctx, jetstream.WithPurgeSubject(RouteSubject(route)))
			_ = s.Purge(ctx, jetstream.WithPurgeSubject(DeadLetterSubject(stage)))
		}
	})
	return stage, route
}

func TestChannelPublishConsume(t *testing.T) {
	ch := newIntegrationChannel(t)
	stage, route := testStage(t, ch)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer, err := ch.NewConsumer(ctx, stage, []core.Route{route}, ConsumerOptions{MaxDeliver: 3, AckWait: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	env := core.NewEnvelope(core.StageUpload, route)
	if err := ch.Publish(ctx, route, env, []byte("payload")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// Same message id inside the duplicate window is stored once.
	if err := ch.Publish(ctx, route, env, []byte("payload")); err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	pending, err := consumer.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 1 {
		t.Errorf("Pending() = %d, want 1", pending)
	}

	var got core.Envelope
	var payload []byte
	var attempt int
	runCtx, stop := context.WithCancel(ctx)
	err = consumer.Run(runCtx, func(_ context.Context, d core.Delivery) {
		got, payload, attempt = d.Envelope(), d.Payload(), d.Attempt()
		if err := d.Ack(); err != nil {
			t.Errorf("Ack() error = %v", err)
		}
		stop()
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got.MessageID != env.MessageID || got.Sender != core.StageUpload || got.Route != route {
		t.Errorf("envelope = %+v, want %+v", got, env)
	}
	if !got.Timestamp.Equal(env.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, env.Timestamp)
	}
	if string(payload) != "payload" {
		t.Errorf("payload = %q", payload)
	}
	if attempt != 1 {
		t.Errorf("Attempt() = %d, want 1", attempt)
	}
}

func TestChannelRetryRedelivers(t *testing.T) {
	ch := newIntegrationChannel(t)
	stage, route := testStage(t, ch)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer, err := ch.NewConsumer(ctx, stage, []core.Route{route}, ConsumerOptions{MaxDeliver: 3, AckWait: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := ch.Publish(ctx, route, core.NewEnvelope(core.StageUpload, route), []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var attempts []int
	runCtx, stop := context.WithCancel(ctx)
	err = consumer.Run(runCtx, func(_ context.Context, d core.Delivery) {
		attempts = append(attempts, d.Attempt())
		if len(attempts) == 1 {
			_ = d.Retry(100 * time.Millisecond)
			return
		}
		_ = d.Ack()
		stop()
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want [1 2]", attempts)
	}
}

func TestChannelDeadLetter(t *testing.T) {
	ch := newIntegrationChannel(t)
	stage, route := testStage(t, ch)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer, err := ch.NewConsumer(ctx, stage, []core.Route{route}, ConsumerOptions{MaxDeliver: 3, AckWait: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	env := core.NewEnvelope(core.StageUpload, route)
	if err := ch.Publish(ctx, route, env, []byte("bad")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	err = consumer.Run(runCtx, func(ctx context.Context, d core.Delivery) {
		if err := ch.DeadLetter(ctx, stage, d, "malformed payload"); err != nil {
			t.Errorf("DeadLetter() error = %v", err)
		}
		_ = d.Reject()
		stop()
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stream, err := ch.JetStream().Stream(ctx, StreamName)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	msg, err := stream.GetLastMsgForSubject(ctx, DeadLetterSubject(stage))
	if err != nil {
		t.Fatalf("GetLastMsgForSubject() error = %v", err)
	}
	if string(msg.Data) != "bad" {
		t.Errorf("dead letter payload = %q", msg.Data)
	}
	if got := msg.Header.Get(HeaderReason); got != "malformed payload" {
		t.Errorf("reason header = %q", got)
	}
}

func TestChannelStatusBucket(t *testing.T) {
	ch := newIntegrationChannel(t)
	ctx := context.Background()

	kv, err := ch.StatusBucket(ctx)
	if err != nil {
		t.Fatalf("StatusBucket() error = %v", err)
	}
	if kv.Bucket() != BucketStatus {
		t.Errorf("Bucket() = %q, want %q", kv.Bucket(), BucketStatus)
	}
}

func TestConsumerHeartbeatOutlastsAckWait(t *testing.T) {
	ch := newIntegrationChannel(t)
	stage, route := testStage(t, ch)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer, err := ch.NewConsumer(ctx, stage, []core.Route{route}, ConsumerOptions{MaxDeliver: 3, AckWait: time.Second})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := ch.Publish(ctx, route, core.NewEnvelope(core.StageUpload, route), []byte("slow")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var attempts []int
	runCtx, stop := context.WithCancel(ctx)
	err = consumer.Run(runCtx, func(_ context.Context, d core.Delivery) {
		attempts = append(attempts, d.Attempt())
		// A transform three times longer than AckWait.
		time.Sleep(3 * time.Second)
		if err := d.Ack(); err != nil {
			t.Errorf("Ack() error = %v", err)
		}
		stop()
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("attempts = %v, want [1]", attempts)
	}

	info, err := consumer.consumer.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.NumRedelivered != 0 || info.NumAckPending != 0 {
		t.Errorf("redelivered = %d, ack pending = %d, want 0 and 0", info.NumRedelivered, info.NumAckPending)
	}
}
