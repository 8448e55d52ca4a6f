package audit

import (
	"context"
	"testing"
)

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for blank event name")
	}
	if err := LogEvent(context.Background(), "auth.login", map[string]any{"user_id": "u1"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "rid-1")
	if got := requestIDFromContext(ctx); got != "rid-1" {
		t.Fatalf("request id = %q", got)
	}

	// Blank ids are not attached.
	ctx = WithRequestID(context.Background(), "   ")
	if got := requestIDFromContext(ctx); got != "" {
		t.Fatalf("blank request id attached: %q", got)
	}
}
