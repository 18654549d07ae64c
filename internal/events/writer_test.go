package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestAppendWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	w := Writer{Log: l, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}

	ctx := WithRequestID(context.Background(), "req-1")
	w.Append(ctx, "claim.won", "slot", 7, "****01", EventPayload{"task_id": 3})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if entry["event"] != "claim.won" || entry["request_id"] != "req-1" || entry["ts"] != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["task_id"].(float64) != 3 || entry["entity_id"].(float64) != 7 {
		t.Fatalf("missing ids: %v", entry)
	}
}

func TestAppendWithoutLoggerIsNoop(t *testing.T) {
	Writer{}.Append(context.Background(), "x", "task", 1, "", nil)
}
