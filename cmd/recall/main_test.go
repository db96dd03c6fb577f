package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallhttp "github.com/fyrsmithlabs/recall/internal/http"
	"github.com/fyrsmithlabs/recall/internal/indexer"
	"github.com/fyrsmithlabs/recall/internal/retriever"
)

func run(t *testing.T, server string, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestQuery(t *testing.T) {
	var got recallhttp.RetrieveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/retrieve", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, recallhttp.RetrieveResponse{
			Response:  &retriever.Response{Query: got.Query, Results: []retriever.Result{}},
			Formatted: "[1] alice in #C1, 2 hours ago (score 0.91): we chose Redis for caching",
		})
	}))
	defer srv.Close()

	out, _, err := run(t, srv.URL, "", "query", "--scope", "C1", "--limit", "3", "--context", "-1", "what", "cache")
	require.NoError(t, err)
	assert.Equal(t, "what cache", got.Query)
	assert.Equal(t, "C1", got.Scope)
	assert.Equal(t, 3, got.Limit)
	assert.Equal(t, -1, got.ContextWindow)
	assert.Nil(t, got.MinScore, "an unset flag leaves the server default")
	assert.Contains(t, out, "we chose Redis for caching")

	_, _, err = run(t, srv.URL, "", "query", "--min-score", "0", "what", "cache")
	require.NoError(t, err)
	require.NotNil(t, got.MinScore)
	assert.Zero(t, *got.MinScore)
}

func TestQuery_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, recallhttp.RetrieveResponse{Response: &retriever.Response{Results: []retriever.Result{}}})
	}))
	defer srv.Close()

	out, _, err := run(t, srv.URL, "", "query", "anything")
	require.NoError(t, err)
	assert.Equal(t, "No matching messages.\n", out)
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, recallhttp.ErrorResponse{Error: "provider down", Kind: "embedding_provider"})
	}))
	defer srv.Close()

	_, _, err := run(t, srv.URL, "", "query", "anything")
	require.Error(t, err)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, "provider down", se.Message)
	assert.Equal(t, "embedding_provider", se.Kind)
}

func TestRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recallhttp.RouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what did we decide in #eng", req.Text)
		writeJSON(w, http.StatusOK, recallhttp.RouteResponse{ShouldRetrieve: true, Scope: "C1"})
	}))
	defer srv.Close()

	out, _, err := run(t, srv.URL, "", "route", "what did we decide in #eng")
	require.NoError(t, err)
	assert.Contains(t, out, "Retrieve: true")
	assert.Contains(t, out, "Scope:    C1")
}

func TestScrub_Stdin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recallhttp.ScrubRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, recallhttp.ScrubResponse{
			Content:       strings.ReplaceAll(req.Content, "AKIAZ3MEXAMPLEKEY123", "[secret]"),
			FindingsCount: 1,
			Rules:         []string{"aws-access-token"},
		})
	}))
	defer srv.Close()

	out, errOut, err := run(t, srv.URL, "key=AKIAZ3MEXAMPLEKEY123", "scrub", "-")
	require.NoError(t, err)
	assert.Equal(t, "key=[secret]", out)
	assert.Contains(t, errOut, "Scrubbed 1 secret(s): aws-access-token")
}

func TestScrub_EmptyInput(t *testing.T) {
	_, _, err := run(t, "http://127.0.0.1:1", "", "scrub")
	assert.EqualError(t, err, "no content to scrub")
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/index/status", r.URL.Path)
		writeJSON(w, http.StatusOK, indexer.Status{
			Phase:    indexer.PhaseIdle,
			Running:  true,
			Interval: time.Minute,
			Scopes: []indexer.ScopeStatus{
				{Scope: "C1", State: indexer.StateIdle, Indexed: 12},
				{Scope: "C2", State: indexer.StateFailed, LastError: "embedding provider unavailable"},
			},
		})
	}))
	defer srv.Close()

	out, _, err := run(t, srv.URL, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase:      idle")
	assert.Contains(t, out, "every 1m0s")
	assert.Contains(t, out, "C1")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "embedding provider unavailable")
}

func TestSync_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, recallhttp.SyncResponse{
			Report: &indexer.Report{
				CycleID: "cyc-1",
				Scopes:  []indexer.ScopeStatus{{Scope: "C1", State: indexer.StateIdle, Indexed: 3}},
			},
			Failed: map[string]string{"C2": "store unavailable"},
		})
	}))
	defer srv.Close()

	out, errOut, err := run(t, srv.URL, "", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 scope(s) failed")
	assert.Contains(t, out, "Cycle cyc-1")
	assert.Contains(t, errOut, "scope C2 failed: store unavailable")
}

func TestSync_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, recallhttp.ErrorResponse{Error: "indexing cycle already in progress"})
	}))
	defer srv.Close()

	_, _, err := run(t, srv.URL, "", "sync")
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
}

func TestReset(t *testing.T) {
	var got recallhttp.ResetRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/index/reset", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, _, err := run(t, srv.URL, "", "reset", "C1")
	require.NoError(t, err)
	assert.Equal(t, "C1", got.Scope)
	assert.Contains(t, out, "Scope C1 reset")
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, recallhttp.HealthResponse{Status: "ok", Version: "1.2.3", Records: 12345, Indexer: indexer.PhaseIdle})
		}))
		defer srv.Close()

		out, _, err := run(t, srv.URL, "", "health")
		require.NoError(t, err)
		assert.Contains(t, out, "Server Status: ok")
		assert.Contains(t, out, "12,345")
	})

	t.Run("degraded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, recallhttp.HealthResponse{Status: "degraded", Error: "store closed"})
		}))
		defer srv.Close()

		out, _, err := run(t, srv.URL, "", "health")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store closed")
		assert.Contains(t, out, "Server Status: degraded")
	})
}

func TestJSONOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, recallhttp.RouteResponse{ShouldRetrieve: false})
	}))
	defer srv.Close()

	out, _, err := run(t, srv.URL, "", "--json", "route", "hello")
	require.NoError(t, err)
	var resp recallhttp.RouteResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.ShouldRetrieve)
}
