//go:build test

package groutine_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blemqtt/internal/groutine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGoPropagatesName verifies the goroutine name is reachable from the context passed to fn.
func TestGoPropagatesName(t *testing.T) {
	got := make(chan string, 1)
	groutine.Go(context.Background(), "worker-42", func(ctx context.Context) {
		got <- groutine.GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

// TestGoRecoversPanic verifies a panicking goroutine reports to its handler instead of crashing the process.
func TestGoRecoversPanic(t *testing.T) {
	type report struct {
		name string
		val  any
	}
	got := make(chan report, 1)

	groutine.Go(nil, "crasher", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		panic("boom")
	}, func(name string, recovered any, stack []byte) {
		got <- report{name: name, val: recovered}
	})

	select {
	case r := <-got:
		assert.Equal(t, "crasher", r.name)
		assert.Equal(t, "boom", r.val)
	case <-time.After(time.Second):
		t.Fatal("panic handler was not called")
	}
}

func TestGetNameWithoutName(t *testing.T) {
	require.Empty(t, groutine.GetName(context.Background()))
	require.Empty(t, groutine.GetName(nil)) //nolint:staticcheck // nil context is handled
}
