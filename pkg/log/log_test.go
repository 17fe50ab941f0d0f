package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func frameEvent(conn string, dir Direction, typ string) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: conn,
		Direction:    dir,
		Layer:        LayerMux,
		Category:     CategoryFrame,
		ChannelID:    "a0d0aaf4-1072-4d81-aa35-902a954b1266",
		Frame: &FrameEvent{
			Type: typ,
			Size: 3,
			Data: []byte{1, 2, 3},
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	event := frameEvent("conn-1", DirectionOut, "DATA")

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.ConnectionID != "conn-1" {
		t.Errorf("ConnectionID: got %q, want %q", decoded.ConnectionID, "conn-1")
	}
	if decoded.Direction != DirectionOut {
		t.Errorf("Direction: got %v, want OUT", decoded.Direction)
	}
	if decoded.Frame == nil || decoded.Frame.Type != "DATA" {
		t.Fatalf("Frame: got %+v", decoded.Frame)
	}
	if !bytes.Equal(decoded.Frame.Data, []byte{1, 2, 3}) {
		t.Errorf("Frame.Data: got %v", decoded.Frame.Data)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, event.Timestamp)
	}
}

func TestEnumStrings(t *testing.T) {
	if DirectionIn.String() != "IN" || Direction(9).String() != "UNKNOWN" {
		t.Error("unexpected Direction names")
	}
	if LayerChannel.String() != "CHANNEL" || Layer(9).String() != "UNKNOWN" {
		t.Error("unexpected Layer names")
	}
	if CategoryError.String() != "ERROR" || Category(9).String() != "UNKNOWN" {
		t.Error("unexpected Category names")
	}
	if StateEntityHandshake.String() != "HANDSHAKE" || StateEntity(9).String() != "UNKNOWN" {
		t.Error("unexpected StateEntity names")
	}
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.plog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	logger.Log(frameEvent("conn-1", DirectionOut, "VERSION"))
	logger.Log(frameEvent("conn-2", DirectionIn, "CREDIT"))
	logger.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		Layer:        LayerMux,
		Category:     CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityConnection,
			OldState: "handshaking",
			NewState: "open",
		},
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close and late events are ignored.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	logger.Log(frameEvent("conn-3", DirectionIn, "DATA"))

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode: got %o, want 600", perm)
	}

	r, err := Open(path, Filter{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	var count int
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("read %d events, want 3", count)
	}
}

func TestFilter(t *testing.T) {
	in := DirectionIn
	state := CategoryState
	now := time.Now()
	later := now.Add(time.Hour)

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty matches all", Filter{}, frameEvent("c", DirectionOut, "DATA"), true},
		{"connection mismatch", Filter{ConnectionID: "x"}, frameEvent("c", DirectionOut, "DATA"), false},
		{"direction match", Filter{Direction: &in}, frameEvent("c", DirectionIn, "DATA"), true},
		{"direction mismatch", Filter{Direction: &in}, frameEvent("c", DirectionOut, "DATA"), false},
		{"category mismatch", Filter{Category: &state}, frameEvent("c", DirectionIn, "DATA"), false},
		{"channel match", Filter{ChannelID: "a0d0aaf4-1072-4d81-aa35-902a954b1266"}, frameEvent("c", DirectionIn, "DATA"), true},
		{"channel mismatch", Filter{ChannelID: "other"}, frameEvent("c", DirectionIn, "DATA"), false},
		{"frame type match", Filter{FrameType: "DATA"}, frameEvent("c", DirectionIn, "DATA"), true},
		{"frame type mismatch", Filter{FrameType: "OPEN"}, frameEvent("c", DirectionIn, "DATA"), false},
		{"frame type on state event", Filter{FrameType: "DATA"}, Event{Category: CategoryState}, false},
		{"before start", Filter{TimeStart: &later}, frameEvent("c", DirectionIn, "DATA"), false},
		{"before end", Filter{TimeEnd: &later}, frameEvent("c", DirectionIn, "DATA"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.event); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.plog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	logger.Log(frameEvent("conn-1", DirectionOut, "OPEN"))
	logger.Log(frameEvent("conn-2", DirectionIn, "DATA"))
	logger.Log(frameEvent("conn-1", DirectionIn, "DATA"))
	logger.Close()

	r, err := Open(path, Filter{ConnectionID: "conn-1", FrameType: "DATA"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	event, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if event.ConnectionID != "conn-1" || event.Direction != DirectionIn {
		t.Errorf("unexpected event: %+v", event)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderTruncatedCapture(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(frameEvent("conn-1", DirectionOut, "OPEN")); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := enc.Encode(frameEvent("conn-1", DirectionIn, "DATA")); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// Cut the second event short, as a crash mid-write would.
	data := buf.Bytes()[:buf.Len()-2]

	r := NewReader(bytes.NewReader(data), Filter{})
	defer r.Close()

	if _, err := r.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if r.Truncated() {
		t.Error("truncated before the partial event")
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if !r.Truncated() {
		t.Error("partial event not reported")
	}
}

func TestSlogAdapterFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	event := frameEvent("conn-123", DirectionIn, "CREDIT")
	event.Frame.Credit = 4096
	adapter.Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	want := map[string]any{
		"msg":        "protocol",
		"conn_id":    "conn-123",
		"direction":  "IN",
		"layer":      "MUX",
		"category":   "FRAME",
		"frame_type": "CREDIT",
		"channel_id": "a0d0aaf4-1072-4d81-aa35-902a954b1266",
		"credit":     float64(4096),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: got %v, want %v", k, entry[k], v)
		}
	}
}

func TestSlogAdapterErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	adapter.Log(Event{
		ConnectionID: "conn-1",
		Category:     CategoryError,
		Error: &ErrorEventData{
			Layer:   LayerMux,
			Message: "data exceeds read credit",
			Context: "receive",
		},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["error_msg"] != "data exceeds read credit" {
		t.Errorf("error_msg: got %v", entry["error_msg"])
	}
	if entry["error_layer"] != "MUX" {
		t.Errorf("error_layer: got %v", entry["error_layer"])
	}
}

type captureLogger struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureLogger) Log(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func TestMultiLogger(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	m := NewMultiLogger(a, nil, b, NoopLogger{})

	m.Log(frameEvent("conn-1", DirectionOut, "DATA"))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("got %d and %d events, want 1 each", len(a.events), len(b.events))
	}
}
