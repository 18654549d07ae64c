package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Writer emits domain events as structured log entries. Events are not
// persisted.
type Writer struct {
	Log *logrus.Logger
	Now func() time.Time
}

type EventPayload map[string]any

type requestIDKey struct{}

// WithRequestID tags ctx so events carry the originating request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (w Writer) Append(ctx context.Context, evtType, entityKind string, entityID int64, actor string, payload EventPayload) {
	if w.Log == nil {
		return
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	fields := logrus.Fields{
		"event":       evtType,
		"entity_kind": entityKind,
		"entity_id":   entityID,
		"ts":          w.Now().UTC().Format(time.RFC3339),
	}
	if actor != "" {
		fields["actor"] = actor
	}
	if rid := RequestID(ctx); rid != "" {
		fields["request_id"] = rid
	}
	for k, v := range payload {
		fields[k] = v
	}
	w.Log.WithContext(ctx).WithFields(fields).Info(evtType)
}
