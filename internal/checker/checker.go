// Package checker defines the collaborator the worker loop calls to actually
// evaluate a snippet: one real HTTP-backed implementation and one
// simulated fake for tests and local demos.
package checker

import (
	"context"
	"fmt"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

// CheckerError carries the HTTP-flavored status code the worker loop's
// transient/permanent classification keys off, mirroring the source's
// HTTPException(status_code, detail).
type CheckerError struct {
	StatusCode int
	Detail     string
}

func (e *CheckerError) Error() string {
	return fmt.Sprintf("checker error (status %d): %s", e.StatusCode, e.Detail)
}

// Checker evaluates a single snippet under the given execution options and
// returns its result, or a *CheckerError for any checker-reported failure.
type Checker interface {
	Check(ctx context.Context, snippet asyncjobs.Snippet, timeout float64, debug, reuse bool, infotree *asyncjobs.Infotree) (asyncjobs.ReplResponse, error)
}
