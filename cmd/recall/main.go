// Package main implements the recall CLI for querying and operating a
// recalld server.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	recallhttp "github.com/fyrsmithlabs/recall/internal/http"
	"github.com/fyrsmithlabs/recall/internal/indexer"
)

// version is set via ldflags during build.
var version = "dev"

const defaultServer = "http://127.0.0.1:9191"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	server  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "recall",
		Short: "CLI for recalld operations",
		Long: `recall is a command-line interface for a recalld server.
It searches indexed chat history, shows the router's decisions and
drives the indexer.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "recalld server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newQueryCmd(opts),
		newRouteCmd(opts),
		newEnrichCmd(opts),
		newScrubCmd(opts),
		newStatusCmd(opts),
		newSyncCmd(opts),
		newResetCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func newQueryCmd(opts *options) *cobra.Command {
	var (
		req      recallhttp.RetrieveRequest
		minScore float32
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search indexed history",
		Long: `Search indexed history for messages similar to text.

Examples:
  # Search everything
  recall query "what did we decide about the cache"

  # Search one channel, top 3, without surrounding context
  recall query --scope C024BE91L --limit 3 --context -1 "redis"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			if cmd.Flags().Changed("min-score") {
				req.MinScore = &minScore
			}
			var resp recallhttp.RetrieveResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/retrieve", req, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Formatted == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching messages.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Formatted)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Scope, "scope", "", "restrict to one scope (default: extracted from the query)")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "maximum results (default: server setting)")
	cmd.Flags().Float32Var(&minScore, "min-score", 0, "similarity floor in [-1, 1] (default: server setting)")
	cmd.Flags().IntVar(&req.ContextWindow, "context", 0, "neighbors on each side of a result; -1 disables")
	cmd.Flags().BoolVar(&req.DisableFallback, "no-fallback", false, "do not widen an empty scoped search")
	return cmd
}

func newRouteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "route <text>",
		Short: "Show whether text would trigger retrieval",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp recallhttp.RouteResponse
			req := recallhttp.RouteRequest{Text: strings.Join(args, " ")}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/route", req, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Retrieve: %t\n", resp.ShouldRetrieve)
			if resp.Scope != "" {
				fmt.Fprintf(out, "Scope:    %s\n", resp.Scope)
			}
			return nil
		},
	}
}

func newEnrichCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <text>",
		Short: "Print the history block an answer to text would receive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp recallhttp.EnrichResponse
			req := recallhttp.RouteRequest{Text: strings.Join(args, " ")}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/enrich", req, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Context != "" {
				fmt.Fprintln(cmd.OutOrStdout(), resp.Context)
			}
			return nil
		},
	}
}

func newScrubCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scrub [file]",
		Short: "Show what the indexer would store for a file or stdin",
		Long: `Run content through the server's secret scrubber.

Examples:
  # Scrub a file
  recall scrub export.txt

  # Scrub from stdin
  cat export.txt | recall scrub -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if len(content) == 0 {
				return fmt.Errorf("no content to scrub")
			}
			var resp recallhttp.ScrubResponse
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/scrub", recallhttp.ScrubRequest{Content: string(content)}, &resp); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Content)
			if resp.FindingsCount > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n[recall] Scrubbed %d secret(s): %s\n",
					resp.FindingsCount, strings.Join(resp.Rules, ", "))
			}
			return nil
		},
	}
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
	}
	return content, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show indexer progress per scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st indexer.Status
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/index/status", nil, &st); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Phase:      %s\n", st.Phase)
			fmt.Fprintf(out, "Background: %t (every %s)\n", st.Running, st.Interval)
			if st.LastCycleID != "" {
				fmt.Fprintf(out, "Last cycle: %s, %s\n", st.LastCycleID, relTime(st.LastCycleAt))
			}
			fmt.Fprintln(out)
			return printScopes(out, st.Scopes)
		},
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one indexing cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp recallhttp.SyncResponse
			code, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/index/sync", nil, &resp, http.StatusInternalServerError)
			if err != nil {
				return err
			}
			if code == http.StatusInternalServerError && resp.Report == nil {
				return &statusError{Status: code, Message: "sync failed"}
			}
			if opts.json {
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else if resp.Report != nil {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Cycle %s finished in %s\n\n", resp.CycleID, resp.Duration.Round(time.Millisecond))
				if err := printScopes(out, resp.Scopes); err != nil {
					return err
				}
			}
			if len(resp.Failed) > 0 {
				scopes := make([]string, 0, len(resp.Failed))
				for scope := range resp.Failed {
					scopes = append(scopes, scope)
				}
				sort.Strings(scopes)
				for _, scope := range scopes {
					fmt.Fprintf(cmd.ErrOrStderr(), "scope %s failed: %s\n", scope, resp.Failed[scope])
				}
				return fmt.Errorf("%d scope(s) failed to sync", len(resp.Failed))
			}
			return nil
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <scope>",
		Short: "Drop a scope's index and checkpoint so the next cycle rebuilds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/index/reset", recallhttp.ResetRequest{Scope: args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scope %s reset; it will be rebuilt on the next cycle.\n", args[0])
			return nil
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check recalld server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp recallhttp.HealthResponse
			code, err := newClient(opts.server, 5*time.Second).do(cmd.Context(), http.MethodGet, "/health", nil, &resp, http.StatusServiceUnavailable)
			if err != nil {
				return err
			}
			if opts.json {
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
				fmt.Fprintf(out, "Server URL:    %s\n", opts.server)
				if resp.Version != "" {
					fmt.Fprintf(out, "Version:       %s\n", resp.Version)
				}
				fmt.Fprintf(out, "Records:       %s\n", humanize.Comma(int64(resp.Records)))
				if resp.Indexer != "" {
					fmt.Fprintf(out, "Indexer:       %s\n", resp.Indexer)
				}
			}
			if code == http.StatusServiceUnavailable {
				return fmt.Errorf("server is %s: %s", resp.Status, resp.Error)
			}
			return nil
		},
	}
}

func printScopes(w io.Writer, scopes []indexer.ScopeStatus) error {
	if len(scopes) == 0 {
		fmt.Fprintln(w, "No scopes indexed yet.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tSTATE\tCHECKPOINT\tINDEXED\tSKIPPED\tDELETED\tERROR")
	for _, s := range scopes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.Scope, s.State, relTime(s.Checkpoint), s.Indexed, s.Skipped, s.Deleted, s.LastError)
	}
	return tw.Flush()
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
