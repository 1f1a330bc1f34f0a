package device

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSim(t *testing.T, cfg SimConfig) *SimDevice {
	t.Helper()
	log := zerolog.Nop()
	cfg.Logger = &log
	d := NewSimDevice(cfg)
	t.Cleanup(func() { d.Close() })
	return d
}

func recordPair(t *testing.T, d *SimDevice, cost time.Duration) (Mark, Mark) {
	t.Helper()
	start, err := d.CreateMark()
	require.NoError(t, err)
	stop, err := d.CreateMark()
	require.NoError(t, err)

	require.NoError(t, d.RecordMark(start, DefaultStream))
	require.NoError(t, d.Launch(DefaultStream, cost))
	require.NoError(t, d.RecordMark(stop, DefaultStream))
	require.NoError(t, d.SynchronizeMark(stop))
	return start, stop
}

func TestSimElapsedMatchesKernelCost(t *testing.T) {
	d := newTestSim(t, DefaultSimConfig())
	start, stop := recordPair(t, d, 3*time.Millisecond)

	ms, err := d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, ms, 1e-6)
}

func TestSimResolutionRoundsIntervalUp(t *testing.T) {
	d := newTestSim(t, SimConfig{Resolution: DefaultResolution})
	start, stop := recordPair(t, d, 1700*time.Nanosecond)

	ms, err := d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.InDelta(t, 0.002, ms, 1e-7)
}

func TestSimSubResolutionWorkIsNotLost(t *testing.T) {
	d := newTestSim(t, DefaultSimConfig())

	// Both stamps fall inside the same 500ns tick of the device clock.
	start, stop := recordPair(t, d, 300*time.Nanosecond)
	ms, err := d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.InDelta(t, 0.0005, ms, 1e-7)

	start, stop = recordPair(t, d, 0)
	ms, err = d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.Equal(t, float32(0), ms)
}

func TestSimMarkOverheadIsCharged(t *testing.T) {
	d := newTestSim(t, SimConfig{MarkOverhead: 10 * time.Microsecond})
	start, stop := recordPair(t, d, time.Millisecond)

	ms, err := d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.InDelta(t, 1.010, ms, 1e-6)
}

func TestSimMarkLimit(t *testing.T) {
	d := newTestSim(t, SimConfig{MaxMarks: 2})

	a, err := d.CreateMark()
	require.NoError(t, err)
	_, err = d.CreateMark()
	require.NoError(t, err)

	_, err = d.CreateMark()
	assert.ErrorIs(t, err, ErrMarkLimit)

	require.NoError(t, d.DestroyMark(a))
	_, err = d.CreateMark()
	assert.NoError(t, err)
	assert.Equal(t, 2, d.LiveMarks())
}

func TestSimUnknownMark(t *testing.T) {
	d := newTestSim(t, DefaultSimConfig())

	assert.ErrorIs(t, d.DestroyMark(42), ErrUnknownMark)
	assert.ErrorIs(t, d.RecordMark(42, DefaultStream), ErrUnknownMark)
	assert.ErrorIs(t, d.SynchronizeMark(42), ErrUnknownMark)

	m, err := d.CreateMark()
	require.NoError(t, err)
	require.NoError(t, d.DestroyMark(m))
	assert.ErrorIs(t, d.DestroyMark(m), ErrUnknownMark)
}

func TestSimElapsedRequiresRecordedMarks(t *testing.T) {
	d := newTestSim(t, DefaultSimConfig())
	start, err := d.CreateMark()
	require.NoError(t, err)
	stop, err := d.CreateMark()
	require.NoError(t, err)

	// Never-recorded marks synchronize immediately.
	require.NoError(t, d.SynchronizeMark(stop))

	_, err = d.ElapsedTime(start, stop)
	assert.ErrorIs(t, err, ErrMarkNotRecorded)
}

func TestSimSynchronizeBlocksUntilCaptured(t *testing.T) {
	d := newTestSim(t, SimConfig{Latency: 30 * time.Millisecond})
	start, err := d.CreateMark()
	require.NoError(t, err)
	stop, err := d.CreateMark()
	require.NoError(t, err)

	require.NoError(t, d.RecordMark(start, DefaultStream))
	require.NoError(t, d.Launch(DefaultStream, time.Millisecond))
	require.NoError(t, d.RecordMark(stop, DefaultStream))

	// stop is recorded but still behind a sleeping kernel
	_, err = d.ElapsedTime(start, stop)
	assert.ErrorIs(t, err, ErrNotReady)

	begin := time.Now()
	require.NoError(t, d.SynchronizeMark(stop))
	assert.GreaterOrEqual(t, time.Since(begin), 20*time.Millisecond)

	ms, err := d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ms, 1e-6)
}

func TestSimSynchronizeDoesNotWaitOnLaterWork(t *testing.T) {
	d := newTestSim(t, SimConfig{Latency: 200 * time.Millisecond})
	m, err := d.CreateMark()
	require.NoError(t, err)

	require.NoError(t, d.RecordMark(m, DefaultStream))
	require.NoError(t, d.Launch(DefaultStream, time.Millisecond))

	begin := time.Now()
	require.NoError(t, d.SynchronizeMark(m))
	assert.Less(t, time.Since(begin), 150*time.Millisecond)
}

func TestSimStreamsAreIndependent(t *testing.T) {
	d := newTestSim(t, SimConfig{Latency: 200 * time.Millisecond})
	m, err := d.CreateMark()
	require.NoError(t, err)

	require.NoError(t, d.Launch(Stream(1), time.Millisecond))
	require.NoError(t, d.RecordMark(m, Stream(2)))

	begin := time.Now()
	require.NoError(t, d.SynchronizeMark(m))
	assert.Less(t, time.Since(begin), 150*time.Millisecond)
}

func TestSimDestroyReleasesWaiter(t *testing.T) {
	d := newTestSim(t, SimConfig{Latency: 100 * time.Millisecond})
	m, err := d.CreateMark()
	require.NoError(t, err)

	require.NoError(t, d.Launch(DefaultStream, time.Millisecond))
	require.NoError(t, d.RecordMark(m, DefaultStream))

	done := make(chan error, 1)
	go func() { done <- d.SynchronizeMark(m) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.DestroyMark(m))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnknownMark)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by DestroyMark")
	}
}

func TestSimKernelFaultIsSticky(t *testing.T) {
	d := newTestSim(t, DefaultSimConfig())
	boom := errors.New("illegal address")
	d.FailNext(boom)

	start, err := d.CreateMark()
	require.NoError(t, err)
	stop, err := d.CreateMark()
	require.NoError(t, err)
	require.NoError(t, d.RecordMark(start, DefaultStream))
	require.NoError(t, d.Launch(DefaultStream, time.Millisecond))
	require.NoError(t, d.RecordMark(stop, DefaultStream))

	err = d.SynchronizeMark(stop)
	assert.ErrorIs(t, err, ErrKernelFailed)
	assert.ErrorIs(t, err, boom)

	assert.ErrorIs(t, d.SynchronizeMark(start), ErrKernelFailed)
}

func TestSimCloseDrainsPendingWork(t *testing.T) {
	log := zerolog.Nop()
	d := NewSimDevice(SimConfig{Latency: 5 * time.Millisecond, Logger: &log})

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Launch(DefaultStream, time.Millisecond))
	}
	require.NoError(t, d.Close())
	assert.Equal(t, 4*time.Millisecond, d.Now())

	assert.ErrorIs(t, d.Launch(DefaultStream, time.Millisecond), ErrDeviceClosed)
	_, err := d.CreateMark()
	assert.ErrorIs(t, err, ErrDeviceClosed)
	assert.NoError(t, d.Close())
}

func TestSimRerecordOverwritesStamp(t *testing.T) {
	d := newTestSim(t, DefaultSimConfig())
	start, stop := recordPair(t, d, 2*time.Millisecond)

	require.NoError(t, d.Launch(DefaultStream, 5*time.Millisecond))
	require.NoError(t, d.RecordMark(stop, DefaultStream))
	require.NoError(t, d.SynchronizeMark(stop))

	ms, err := d.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, ms, 1e-6)
}
