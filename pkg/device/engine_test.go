package device

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostEngineLowerBoundsKernelTime(t *testing.T) {
	log := zerolog.Nop()
	e := NewEngine(NewHostClock(), EngineConfig{Resolution: DefaultResolution, Logger: &log})
	defer e.Close()

	start, err := e.CreateMark()
	require.NoError(t, err)
	stop, err := e.CreateMark()
	require.NoError(t, err)

	require.NoError(t, e.RecordMark(start, DefaultStream))
	require.NoError(t, e.Submit(DefaultStream, func() error {
		time.Sleep(15 * time.Millisecond)
		return nil
	}))
	require.NoError(t, e.RecordMark(stop, DefaultStream))
	require.NoError(t, e.SynchronizeMark(stop))

	ms, err := e.ElapsedTime(start, stop)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, float32(14.9))
}

func TestEngineKernelsRunInSubmissionOrder(t *testing.T) {
	log := zerolog.Nop()
	e := NewEngine(NewHostClock(), EngineConfig{Logger: &log})

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, e.Submit(DefaultStream, func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.NoError(t, e.Close())

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestEngineCloseDropsLiveMarks(t *testing.T) {
	log := zerolog.Nop()
	e := NewEngine(NewHostClock(), EngineConfig{Logger: &log})
	_, err := e.CreateMark()
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.LiveMarks())
}
