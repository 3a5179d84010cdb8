package agentpipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCadenceTimerFiresAfterRoughlyTheInterval(t *testing.T) {
	cad, err := newCadence(1)
	require.NoError(t, err)

	start := time.Now()
	<-cad.timer()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestCadenceDefaultsNonPositiveIntervalToOneSecond(t *testing.T) {
	cad, err := newCadence(0)
	require.NoError(t, err)
	assert.NotNil(t, cad.schedule)
}
