package retriever

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

// Format renders resp as numbered, attributed lines:
//
//	[1] alice in #eng, 2 hours ago (score 0.91): we chose Redis for caching
//	    > bob, 3 hours ago: which cache are we using?
//
// Every result line carries author, scope, relative time, score and the
// stored text. Context lines are indented beneath their result, oldest
// first. An empty response renders as "".
func Format(resp *Response, now time.Time) string {
	if resp == nil || len(resp.Results) == 0 {
		return ""
	}

	var b strings.Builder
	if resp.OutOfScope {
		fmt.Fprintf(&b, "No matches in #%s; showing results from other channels.\n", resp.Scope)
	}
	for i, res := range resp.Results {
		fmt.Fprintf(&b, "[%d] %s in #%s, %s (score %.2f): %s\n",
			i+1,
			author(res.Record),
			res.Record.Metadata.Scope,
			relative(res.Record.Metadata.Timestamp, now),
			res.Score,
			oneLine(res.Record.Text))
		for _, c := range res.Context {
			fmt.Fprintf(&b, "    > %s, %s: %s\n",
				author(c), relative(c.Metadata.Timestamp, now), oneLine(c.Text))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func author(r vectorstore.Record) string {
	if r.Metadata.Author == "" {
		return "unknown"
	}
	return r.Metadata.Author
}

func relative(t, now time.Time) string {
	if t.IsZero() {
		return "at an unknown time"
	}
	if d := now.Sub(t); d >= 0 && d < time.Second {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
