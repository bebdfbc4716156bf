package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-tasker/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAllEmpty(t *testing.T) {
	assert.NoError(t, JoinAll(withTimeout(t), nil, false))
}

func TestJoinAllWaitsForAll(t *testing.T) {
	h := hub.New()
	defer h.Close()

	var a, b *Task
	a = Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	b = Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return 2, nil
	})

	require.NoError(t, JoinAll(withTimeout(t), []*Task{a, b}, false))
	assert.True(t, a.Ready())
	assert.True(t, b.Ready())
}

// TestJoinAllRaiseError is scenario 5 from spec.md section 8.
func TestJoinAllRaiseError(t *testing.T) {
	h := hub.New()
	defer h.Close()

	boom := errors.New("boom")
	ok := Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	bad := Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, boom
	})

	err := JoinAll(withTimeout(t), []*Task{ok, bad}, true)
	assert.Equal(t, boom, err)
}

func TestJoinAllWithoutRaiseErrorCompletesFully(t *testing.T) {
	h := hub.New()
	defer h.Close()

	boom := errors.New("boom")
	ok := Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, nil
	})
	bad := Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, boom
	})

	err := JoinAll(withTimeout(t), []*Task{ok, bad}, false)
	assert.NoError(t, err)
	assert.True(t, ok.Ready())
	assert.True(t, bad.Ready())
}

func TestJoinAllAlreadyReady(t *testing.T) {
	h := hub.New()
	defer h.Close()

	tk := Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, nil
	})
	require.True(t, tk.Join(withTimeout(t)))

	assert.NoError(t, JoinAll(withTimeout(t), []*Task{tk}, false))
}

func TestJoinAllContextExpires(t *testing.T) {
	h := hub.New()
	defer h.Close()

	tk := Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := JoinAll(ctx, []*Task{tk}, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
