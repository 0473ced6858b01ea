package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallReturnsNilOnSuccess(t *testing.T) {
	err := Call(context.Background(), "op", time.Second, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestCallWrapsDeadlineExceeded(t *testing.T) {
	err := Call(context.Background(), "slow-op", 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow-op", te.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallPassesThroughNonDeadlineError(t *testing.T) {
	want := errors.New("upstream broke")
	err := Call(context.Background(), "op", time.Second, func(ctx context.Context) error {
		return want
	})
	require.Error(t, err)
	var te *TimeoutError
	assert.False(t, errors.As(err, &te))
	assert.ErrorIs(t, err, want)
}

func TestBeginContextOutlivesInitiatingCall(t *testing.T) {
	dl := Begin(context.Background(), "stream", time.Second)

	// Simulates a provider call handing back a streaming handle: nothing may
	// cancel the bounded context until the drain releases it.
	select {
	case <-dl.Context().Done():
		t.Fatal("bounded context cancelled before Release")
	case <-time.After(20 * time.Millisecond):
	}

	dl.Release()
	assert.ErrorIs(t, dl.Context().Err(), context.Canceled)
}

func TestBeginClassifyWrapsFiredDeadline(t *testing.T) {
	dl := Begin(context.Background(), "op", time.Millisecond)
	defer dl.Release()

	<-dl.Context().Done()
	err := dl.Classify(dl.Context().Err())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "op", te.Op)
}

func TestRaceDoneWins(t *testing.T) {
	done := make(chan struct{})
	close(done)

	ok, err := Race(context.Background(), "first-chunk", time.Second, done)
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestRaceDeadlineWins(t *testing.T) {
	done := make(chan struct{})

	ok, err := Race(context.Background(), "first-chunk", 10*time.Millisecond, done)
	assert.False(t, ok)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "first-chunk", te.Op)
}

func TestRaceHonorsCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := Race(ctx, "first-chunk", time.Second, make(chan struct{}))
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
