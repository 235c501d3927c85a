package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"blockphysics/server/logging"
)

func TestJSONWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)
	event := logging.Event{
		Type:     "physics.body_demoted",
		Tick:     7,
		World:    "overworld",
		Severity: logging.SeverityWarn,
		Payload:  map[string]any{"body": "body(1@1)"},
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if decoded["type"] != "physics.body_demoted" || decoded["world"] != "overworld" || decoded["severity"] != "warn" {
		t.Fatalf("unexpected wire format %v", decoded)
	}
}

func TestConsoleIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsole(&buf, logging.ConsoleConfig{})
	err := sink.Write(logging.Event{
		Type:     "lifecycle.world_loaded",
		Tick:     3,
		World:    "nether",
		Severity: logging.SeverityInfo,
		Extra:    map[string]any{"bodies": 12},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"lifecycle.world_loaded", "world=nether", "bodies=12", "tick=3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestMemorySinkFiltersByType(t *testing.T) {
	sink := NewMemorySink()
	_ = sink.Write(logging.Event{Type: "a"})
	_ = sink.Write(logging.Event{Type: "b"})
	_ = sink.Write(logging.Event{Type: "a"})
	if got := len(sink.OfType("a")); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
	sink.Reset()
	if len(sink.Events()) != 0 {
		t.Fatalf("expected reset to clear events")
	}
}

type fakeStream struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: "PHYSICS_EVENTS", Sequence: uint64(len(f.subjects))}, nil
}

func TestNATSPublishesPerEventSubject(t *testing.T) {
	stream := &fakeStream{}
	sink := newNATS(stream, "physics.events", time.Second)
	if err := sink.Write(logging.Event{Type: "physics.world_faulted", World: "w"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(stream.subjects) != 1 || stream.subjects[0] != "physics.events.physics.world_faulted" {
		t.Fatalf("unexpected subjects %v", stream.subjects)
	}
	var decoded logging.Event
	if err := json.Unmarshal(stream.payloads[0], &decoded); err != nil || decoded.World != "w" {
		t.Fatalf("unexpected payload %s err=%v", stream.payloads[0], err)
	}

	stream.err = errors.New("no responders")
	if err := sink.Write(logging.Event{Type: "x"}); err == nil {
		t.Fatalf("expected publish error to surface for retry")
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close without connection: %v", err)
	}
}
