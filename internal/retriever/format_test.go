package retriever

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

func rec(id, scope, author, text string, at time.Time) vectorstore.Record {
	return vectorstore.Record{
		ID:       id,
		Text:     text,
		Metadata: vectorstore.Metadata{Scope: scope, Author: author, Timestamp: at},
	}
}

func TestFormat(t *testing.T) {
	now := t0.Add(2 * time.Hour)

	tests := []struct {
		name string
		resp *Response
		want []string
		not  []string
	}{
		{
			name: "empty",
			resp: &Response{Query: "q"},
		},
		{
			name: "attributed lines",
			resp: &Response{Query: "database decision", Scope: "eng", Results: []Result{
				{Record: rec("redis", "eng", "alice", "we chose Redis\nfor caching", t0), Score: 0.912},
				{Record: rec("deploy", "eng", "", "deploy failed", now), Score: 0.4},
			}},
			want: []string{
				"[1] alice in #eng, 2 hours ago (score 0.91): we chose Redis for caching",
				"[2] unknown in #eng, just now (score 0.40): deploy failed",
			},
			not: []string{"No matches"},
		},
		{
			name: "out of scope notice",
			resp: &Response{Query: "q", Scope: "random", OutOfScope: true, Results: []Result{
				{Record: rec("redis", "eng", "alice", "we chose Redis", t0), Score: 0.8},
			}},
			want: []string{
				"No matches in #random; showing results from other channels.",
				"[1] alice in #eng",
			},
		},
		{
			name: "context lines",
			resp: &Response{Query: "q", Results: []Result{{
				Record:  rec("redis", "eng", "alice", "we chose Redis", t0),
				Score:   0.8,
				Context: []vectorstore.Record{rec("q", "eng", "dave", "which cache?", t0.Add(-time.Hour))},
			}}},
			want: []string{"    > dave, 3 hours ago: which cache?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.resp, now)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
			for _, n := range tt.not {
				assert.NotContains(t, got, n)
			}
			assert.False(t, strings.HasSuffix(got, "\n"))
		})
	}
}

func TestFormat_Nil(t *testing.T) {
	assert.Empty(t, Format(nil, time.Now()))
}
