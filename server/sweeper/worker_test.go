package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/store"
)

type mockGreylist struct {
	mock.Mock
}

func (m *mockGreylist) Sweep(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	gl := new(mockGreylist)
	gl.On("Sweep", ctx, now).Return(3, nil).Once()
	gl.On("Sweep", ctx, now).Return(1, errors.New("store unavailable")).Once()

	w := New(gl, time.Hour)
	w.now = func() time.Time { return now }

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = w.RunOnce(ctx)
	assert.ErrorContains(t, err, "store unavailable")
	assert.Equal(t, 1, n)
	gl.AssertExpectations(t)
}

func TestStartStop(t *testing.T) {
	gl := new(mockGreylist)
	w := New(gl, time.Millisecond)
	w.Start(context.Background())
	w.Stop()
	// The interval is clamped to a minute, so no sweep ran.
	gl.AssertNotCalled(t, "Sweep", mock.Anything, mock.Anything)
}

func TestContextCancelStopsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(new(mockGreylist), time.Hour)
	w.Start(ctx)
	cancel()
	select {
	case <-w.doneCh:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSweepsRealGreylist(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	gl := greylist.New(mem, greylist.Config{Delay: time.Minute, Visa: time.Hour})

	t0 := time.Unix(1_700_000_000, 0)
	k := greylist.Key{Client: "192.0.2.1", Sender: "a@example.org", Recipient: "b@example.net"}
	_, err := gl.Decide(ctx, k, t0)
	require.NoError(t, err)

	w := New(gl, time.Hour)
	w.now = func() time.Time { return t0.Add(30 * time.Minute) }
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w.now = func() time.Time { return t0.Add(2 * time.Hour) }
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
