package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadBpfObjectsStubAlwaysSucceeds(t *testing.T) {
	require.NoError(t, LoadBpfObjects(nil, nil))
}

func TestObserveAndRecent(t *testing.T) {
	tr := &Tracer{}
	tr.Observe(1, 5*time.Millisecond, false)
	tr.Observe(2, 10*time.Millisecond, true)

	recent := tr.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, uint8(2), recent[0].Addr)
	require.True(t, recent[0].TimedOut)

	require.Len(t, tr.Recent(10), 2)
}

func TestCloseOnZeroValueTracerDoesNotPanic(t *testing.T) {
	tr := &Tracer{}
	require.NoError(t, tr.Close())
}
