package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hawkeye-speaks/DRIS1/internal/client"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
	"github.com/hawkeye-speaks/DRIS1/internal/watch"
)

var version = "dev"

type globalOptions struct {
	server string
	token  string
	user   string
	plain  bool
	style  string
	width  int
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "hm6-watch",
		Short: "Submit HM6 queries and watch their progress",
		Long: `hm6-watch talks to an HM6 relay: it submits queries, follows a session's
stage events live and renders the final synthesis as markdown.

Quick Start:
  hm6-watch ask "why is the sky blue"     # submit and follow
  hm6-watch watch <session-id>            # follow a running session
  hm6-watch sessions                      # list archived sessions`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("HM6_RELAY_URL", "http://127.0.0.1:3001"), "Relay base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("HM6_AUTH_TOKEN"), "Relay auth token")
	pf.StringVar(&opts.user, "user", os.Getenv("HM6_USER_ID"), "User id sent as X-User-ID")
	pf.BoolVar(&opts.plain, "plain", false, "Print one line per event instead of the interactive view")
	pf.StringVar(&opts.style, "style", "", "Markdown style for the synthesis (dark, light, notty); empty detects")
	pf.IntVar(&opts.width, "width", 100, "Wrap width for the synthesis in plain mode")

	root.AddCommand(newAskCmd(opts), newWatchCmd(opts), newSessionsCmd(opts), newCreditsCmd(opts))
	return root
}

func newAskCmd(opts *globalOptions) *cobra.Command {
	var foundation int
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Submit a query and follow it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			hc := client.NewHTTPClient(opts.server, opts.token, opts.user)
			id, err := hc.SubmitQuery(ctx, strings.Join(args, " "), foundation)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), idStyle.Render("session "+id))
			return follow(ctx, cmd.OutOrStdout(), opts, id)
		},
	}
	cmd.Flags().IntVarP(&foundation, "foundation", "f", 0, "Foundation number (0 lets HM6 choose)")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return follow(ctx, cmd.OutOrStdout(), opts, args[0])
		},
	}
}

// follow streams id either into the interactive view or as plain lines. A
// run that ends in an error event is reported as a command failure.
func follow(ctx context.Context, out io.Writer, opts *globalOptions, id string) error {
	wc := client.NewWSClient(opts.server, opts.token)
	stream := func(ctx context.Context, fn func(session.Event)) error {
		return wc.Stream(ctx, id, fn)
	}

	var failure string
	if opts.plain {
		lp := &watch.LinePrinter{W: out, Width: opts.width, Style: opts.style}
		err := stream(ctx, func(ev session.Event) {
			lp.Print(ev)
			if ev.Type == session.EventError {
				failure = ev.Message
			}
		})
		if err != nil {
			return err
		}
	} else {
		p, err := watch.Run(ctx, id, opts.style, stream, tea.WithAltScreen(), tea.WithContext(ctx))
		if err != nil {
			return err
		}
		if p.Synthesis != "" {
			md, err := watch.RenderSynthesis(p.Synthesis, opts.width, opts.style)
			if err != nil {
				md = p.Synthesis
			}
			io.WriteString(out, md)
		}
		failure = p.Err
	}
	if failure != "" {
		return fmt.Errorf("session %s failed: %s", id, failure)
	}
	return nil
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List archived sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			recs, err := client.NewHTTPClient(opts.server, opts.token, opts.user).ListSessions(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			if limit > 0 && len(recs) > limit {
				recs = recs[:limit]
			}

			fmt.Fprintln(out, headerStyle.Render("HM6 sessions")+" "+countStyle.Render(fmt.Sprintf("(%d)", len(recs))))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tFOUNDATION\tTOKENS\tQUERY")
			for _, r := range recs {
				created := "-"
				if !r.CreatedAt.IsZero() {
					created = r.CreatedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, created, r.Status, foundationLabel(r.Foundation, r.FoundationRole), r.TokensUsed, truncate(r.Query, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n sessions")
	return cmd
}

func newCreditsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "credits",
		Short: "Show the signed-in user's query credits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.user == "" {
				return fmt.Errorf("--user is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			n, err := client.NewHTTPClient(opts.server, opts.token, opts.user).Credits(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", countStyle.Render(fmt.Sprintf("%d", n)), "credits")
			return nil
		},
	}
}

func foundationLabel(n int, role string) string {
	if n <= 0 {
		return "-"
	}
	if role != "" {
		return fmt.Sprintf("pA%d (%s)", n, role)
	}
	return fmt.Sprintf("pA%d", n)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
