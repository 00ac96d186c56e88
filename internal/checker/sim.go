package checker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// SimChecker is a fake for tests and local demos: a random delay of up to
// MaxDelay and a configurable failure rate, no network calls. Outcomes are
// random unless FailurePercent is 0 or 100. It uses
// the top-level math/rand functions (mutex-protected) rather than a private
// *rand.Rand, since workerloop.Pool calls Check from Concurrency goroutines
// at once and math/rand.Rand is not safe for concurrent use.
type SimChecker struct {
	FailurePercent int
	MaxDelay       time.Duration
}

// NewSimChecker builds a SimChecker with a 10% failure rate and up to 500ms
// of simulated latency.
func NewSimChecker() *SimChecker {
	return &SimChecker{
		FailurePercent: 10,
		MaxDelay:       500 * time.Millisecond,
	}
}

func (c *SimChecker) Check(ctx context.Context, snippet asyncjobs.Snippet, timeout float64, debug, reuse bool, infotree *asyncjobs.Infotree) (asyncjobs.ReplResponse, error) {
	start := time.Now()
	delay := time.Duration(rand.Int63n(int64(c.MaxDelay) + 1))

	select {
	case <-ctx.Done():
		return asyncjobs.ReplResponse{}, ctx.Err()
	case <-time.After(delay):
	}

	if rand.Intn(100) < c.FailurePercent {
		return asyncjobs.ReplResponse{}, &CheckerError{StatusCode: 500, Detail: "simulated check failure"}
	}

	return asyncjobs.ReplResponse{
		ID:       snippet.ID,
		Time:     time.Since(start).Seconds(),
		Response: map[string]any{"status": fmt.Sprintf("ok: %s", snippet.Code)},
	}, nil
}

var _ Checker = (*SimChecker)(nil)
