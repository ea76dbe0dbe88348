package stream

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestIsBusyGroupErr(t *testing.T) {
	if !isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("BUSYGROUP reply not treated as already-exists")
	}
	if isBusyGroupErr(errors.New("NOGROUP No such consumer group")) {
		t.Error("unrelated error treated as already-exists")
	}
	if isBusyGroupErr(nil) {
		t.Error("nil error treated as already-exists")
	}
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	c := NewWithClient(nil, zap.NewNop())
	// Channels cannot be marshalled; the error must surface before any
	// store interaction.
	if _, err := c.Publish(context.Background(), "s", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestOptions(t *testing.T) {
	c := NewWithClient(nil, zap.NewNop(), WithBatchSize(50), WithBlockTimeout(0))
	if c.batch != 50 {
		t.Errorf("batch = %d, want 50", c.batch)
	}
	// Zero block timeout is ignored; the default stands.
	if c.block <= 0 {
		t.Errorf("block = %v, want positive default", c.block)
	}
}
