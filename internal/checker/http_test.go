package checker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimina-labs/asyncjobs/pkg/asyncjobs"
)

func TestHTTPCheckerSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body checkRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Snippets, 1)
		assert.Equal(t, "a", body.Snippets[0].ID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(checkResponseBody{
			Results: []asyncjobs.ReplResponse{{ID: "a", Time: 0.5, Response: map[string]any{"status": "ok"}}},
		})
	}))
	defer ts.Close()

	c := NewHTTPChecker(ts.URL, 5*time.Second)
	resp, err := c.Check(context.Background(), asyncjobs.Snippet{ID: "a", Code: "1+1"}, 30, false, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.ID)
	assert.Equal(t, 0.5, resp.Time)
}

func TestHTTPCheckerNonTransientStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad snippet"))
	}))
	defer ts.Close()

	c := NewHTTPChecker(ts.URL, 5*time.Second)
	_, err := c.Check(context.Background(), asyncjobs.Snippet{ID: "a", Code: "???"}, 30, false, false, nil)
	require.Error(t, err)

	var checkerErr *CheckerError
	require.ErrorAs(t, err, &checkerErr)
	assert.Equal(t, http.StatusUnprocessableEntity, checkerErr.StatusCode)
	assert.Equal(t, "bad snippet", checkerErr.Detail)
}

func TestHTTPCheckerTransientStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer ts.Close()

	c := NewHTTPChecker(ts.URL, 5*time.Second)
	_, err := c.Check(context.Background(), asyncjobs.Snippet{ID: "a", Code: "1"}, 30, false, false, nil)
	require.Error(t, err)

	var checkerErr *CheckerError
	require.ErrorAs(t, err, &checkerErr)
	assert.Equal(t, http.StatusServiceUnavailable, checkerErr.StatusCode)
}

func TestHTTPCheckerWrongResultCountErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(checkResponseBody{Results: nil})
	}))
	defer ts.Close()

	c := NewHTTPChecker(ts.URL, 5*time.Second)
	_, err := c.Check(context.Background(), asyncjobs.Snippet{ID: "a", Code: "1"}, 30, false, false, nil)
	require.Error(t, err)

	var checkerErr *CheckerError
	assert.False(t, isCheckerError(err, &checkerErr), "a malformed response body is a plain error, not a CheckerError")
}

func isCheckerError(err error, target **CheckerError) bool {
	ce, ok := err.(*CheckerError)
	if ok {
		*target = ce
	}
	return ok
}
