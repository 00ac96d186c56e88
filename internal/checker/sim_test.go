package checker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

func TestSimCheckerAlwaysSucceedsAtZeroFailureRate(t *testing.T) {
	c := NewSimChecker()
	c.FailurePercent = 0
	c.MaxDelay = time.Millisecond

	for i := 0; i < 20; i++ {
		resp, err := c.Check(context.Background(), asyncjobs.Snippet{ID: "a", Code: "1"}, 30, false, false, nil)
		require.NoError(t, err)
		assert.Equal(t, "a", resp.ID)
	}
}

func TestSimCheckerAlwaysFailsAtFullFailureRate(t *testing.T) {
	c := NewSimChecker()
	c.FailurePercent = 100
	c.MaxDelay = time.Millisecond

	_, err := c.Check(context.Background(), asyncjobs.Snippet{ID: "a", Code: "1"}, 30, false, false, nil)
	require.Error(t, err)

	var checkerErr *CheckerError
	require.ErrorAs(t, err, &checkerErr)
	assert.Equal(t, 500, checkerErr.StatusCode)
}

func TestSimCheckerRespectsContextCancellation(t *testing.T) {
	c := NewSimChecker()
	c.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Check(ctx, asyncjobs.Snippet{ID: "a", Code: "1"}, 30, false, false, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
