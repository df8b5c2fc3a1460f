package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(1 * time.Millisecond)
	timer.ObserveDurationVec(StoreLatency, "ASYNC_WRITE")
	require.Greater(t, timer.Duration(), time.Duration(0))
}

func TestHandlerNotNil(t *testing.T) {
	require.NotNil(t, Handler())
}
