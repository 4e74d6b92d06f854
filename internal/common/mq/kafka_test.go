package mq

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishEncodesKeyAndHeaders(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaProducer{writer: w}
	msg := NewMessage("job-1", []byte(`{"status":"failed"}`))
	msg.Timestamp = time.Unix(100, 0).UTC()
	msg.SetHeader("status", "failed")
	msg.SetHeader("owner", "u1")

	if err := p.Publish(context.Background(), "autojudge.job.finished", msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	got := w.msgs[0]
	if got.Topic != "autojudge.job.finished" || string(got.Key) != "job-1" {
		t.Fatalf("unexpected topic/key: %s %s", got.Topic, got.Key)
	}
	want := []string{"owner", "status", headerID, headerTimestamp}
	if len(got.Headers) != len(want) {
		t.Fatalf("unexpected headers: %+v", got.Headers)
	}
	for i, h := range got.Headers {
		if h.Key != want[i] {
			t.Fatalf("header %d: expected %s, got %s", i, want[i], h.Key)
		}
	}
}

func TestPublishRejectsBadInput(t *testing.T) {
	p := &KafkaProducer{writer: &recordingWriter{}}
	if err := p.Publish(context.Background(), "", NewMessage("a", nil)); err == nil {
		t.Fatalf("expected missing topic error")
	}
	if err := p.Publish(context.Background(), "t", nil); err == nil {
		t.Fatalf("expected nil message error")
	}
	if err := p.PublishBatch(context.Background(), "t", nil); err == nil {
		t.Fatalf("expected empty batch error")
	}
}
