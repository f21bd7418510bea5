package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/queue"
)

func noneMsg() message.Message {
	return message.Message{Body: message.None{}}
}

func TestPressureLevel_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Normal", queue.Normal.String())
	assert.Equal(t, "Critical", queue.Critical.String())
	assert.Equal(t, "Unknown", queue.PressureLevel(99).String())
}

func TestTryEnqueue_AdmitsUnderCeiling(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})

	err := q.TryEnqueue(noneMsg())

	require.NoError(t, err)
	assert.Equal(t, 1, q.Depth())
}

func TestTryEnqueue_RejectsOverCeiling(t *testing.T) {
	t.Parallel()

	// Each None message costs exactly headerBytes (32); a ceiling of 32
	// admits one and rejects a second.
	q := queue.New(queue.Config{Ceiling: 32})

	require.NoError(t, q.TryEnqueue(noneMsg()))

	err := q.TryEnqueue(noneMsg())

	require.Error(t, err)

	var rejected *queue.ErrRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, q.Depth())
}

func TestTryEnqueue_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})
	q.Close()

	err := q.TryEnqueue(noneMsg())

	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestDequeue_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})

	first := message.Message{Body: message.FileInfo{Path: "a.go"}}
	second := message.Message{Body: message.FileInfo{Path: "b.go"}}

	require.NoError(t, q.TryEnqueue(first))
	require.NoError(t, q.TryEnqueue(second))

	got1, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a.go", got1.Body.(message.FileInfo).Path)

	got2, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b.go", got2.Body.(message.FileInfo).Path)
}

func TestDequeue_ReturnsFalseOnceClosedAndDrained(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})
	require.NoError(t, q.TryEnqueue(noneMsg()))
	q.Close()

	_, ok := q.Dequeue()
	require.True(t, ok)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestEnqueue_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	// Ceiling admits exactly one message; a second Enqueue call must back
	// off and observe the already-cancelled context rather than hang.
	q := queue.New(queue.Config{Ceiling: 32})
	require.NoError(t, q.TryEnqueue(noneMsg()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Enqueue(ctx, noneMsg())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnqueue_AdmitsWhenRoomAvailable(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})

	err := q.Enqueue(context.Background(), noneMsg())

	require.NoError(t, err)
	assert.Equal(t, 1, q.Depth())
}

func TestQueue_OnUpdate_FiresOnAdmission(t *testing.T) {
	t.Parallel()

	var gotDepth int
	var gotLevel queue.PressureLevel

	q := queue.New(queue.Config{
		Ceiling: 1024,
		OnUpdate: func(depth int, bytes int64, level queue.PressureLevel) {
			gotDepth = depth
			gotLevel = level
		},
	})

	require.NoError(t, q.TryEnqueue(noneMsg()))

	assert.Equal(t, 1, gotDepth)
	assert.Equal(t, queue.Normal, gotLevel)
}

func TestQueue_DepthAndBytes(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})
	require.NoError(t, q.TryEnqueue(noneMsg()))
	require.NoError(t, q.TryEnqueue(noneMsg()))

	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, int64(64), q.Bytes())
}

func TestQueue_Close_UnblocksWaitingDequeue(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{Ceiling: 1024})

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}
