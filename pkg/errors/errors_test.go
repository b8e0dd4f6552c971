package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestHostErrorMessage(t *testing.T) {
	err := ChunkError("read", 200, 100, fmt.Errorf("connection reset"))
	msg := err.Error()
	if !strings.Contains(msg, "TRANSPORT_CHUNK") {
		t.Fatalf("message %q missing code", msg)
	}
	if !strings.Contains(msg, "200..299") {
		t.Fatalf("message %q missing address range", msg)
	}
	if !strings.Contains(msg, "connection reset") {
		t.Fatalf("message %q missing cause", msg)
	}
	if start, ok := err.ContextInt("start"); !ok || start != 200 {
		t.Fatalf("start context = %v, %v", start, ok)
	}
}

func TestIsFollowsWrapChain(t *testing.T) {
	inner := UnmatchedForError(4)
	outer := fmt.Errorf("send recipe: %w", Wrap(inner, ErrValidation, "recipe rejected"))

	if !Is(outer, ErrValidation) {
		t.Fatal("expected outer code to match")
	}
	if !Is(outer, ErrLoopUnmatchedFor) {
		t.Fatal("expected inner code to match through Wrap")
	}
	if Is(outer, ErrLoopDepth) {
		t.Fatal("unexpected match for unrelated code")
	}
	if Is(nil, ErrLoopDepth) {
		t.Fatal("nil must not match")
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{LoopDepthError(3, 3), ClassStructural},
		{UnmatchedEndForError(0), ClassStructural},
		{ValidationError("step_duration", "below minimum"), ClassValidation},
		{ChunkError("write", 0, 10, fmt.Errorf("eof")), ClassTransport},
		{HandshakeError(0, 1, 2), ClassProtocol},
		{RowCountError(1, 900, 200), ClassProtocol},
		{SchemaError("bad"), ClassConfig},
		{fmt.Errorf("plain"), ClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.err); got != tt.want {
			t.Errorf("ClassOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestContextString(t *testing.T) {
	err := RowCountError(7, 500, 200)
	if got := err.ContextString(); got != "register=7 rows=500" {
		t.Fatalf("ContextString() = %q", got)
	}
}
