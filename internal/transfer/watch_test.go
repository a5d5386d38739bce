package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"netdisk-core/internal/engine"
)

func TestAggregateChildStatusAllCompleted(t *testing.T) {
	outcome := aggregateChildStatus([]string{engine.StatusCompleted, engine.StatusCompleted})
	assert.Equal(t, childOutcomeAllCompleted, outcome)
}

func TestAggregateChildStatusStillRunning(t *testing.T) {
	outcome := aggregateChildStatus([]string{engine.StatusCompleted, engine.StatusDownloading})
	assert.Equal(t, childOutcomeRunning, outcome)
}

func TestAggregateChildStatusAllCancelled(t *testing.T) {
	outcome := aggregateChildStatus([]string{engine.StatusCancelled, engine.StatusCancelled})
	assert.Equal(t, childOutcomeAllCancelled, outcome)
}

func TestAggregateChildStatusFailedStraggler(t *testing.T) {
	outcome := aggregateChildStatus([]string{engine.StatusCompleted, engine.StatusError})
	assert.Equal(t, childOutcomeFailed, outcome)
}

func TestAggregateChildStatusAllPausedStaysRunning(t *testing.T) {
	outcome := aggregateChildStatus([]string{engine.StatusPaused, engine.StatusPaused})
	assert.Equal(t, childOutcomeRunning, outcome)
}
