package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/session"
	"github.com/shopdesk/deskchat/internal/tui"
)

var tailJSON bool

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream live chat events as lines",
	Long: `Connect to the chat hub and print every applied event (messages, read
receipts, connection changes, history merges) as one line, until interrupted.

Serves Prometheus metrics on metrics_addr when configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()
		return runTail(cmd.Context(), a, cmd.OutOrStdout(), tailJSON)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactive inbox with conversation windows",
	Long: `Open the interactive inbox.

Keys (inbox):   up/down select, enter open, tab next window, x close window,
                i reply in the focused window, r refresh, q quit
Keys (reply):   type, enter send, esc back to the inbox

When stdout is not a terminal, watch behaves like tail.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			return runTail(cmd.Context(), a, cmd.OutOrStdout(), false)
		}

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		s, err := a.newSession(true, nil)
		if err != nil {
			return err
		}
		serveMetrics(ctx, a.cfg.MetricsAddr, a.registry, a.logger)
		stop := runSession(ctx, s)
		defer stop()

		s.Refresh()
		return tui.Run(ctx, s, tui.Options{OperatorID: a.operator()})
	},
}

func init() {
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Output events as JSON lines")
}

// runTail prints session events until ctx ends.
func runTail(ctx context.Context, a *app, out io.Writer, asJSON bool) error {
	observer := func(ev session.Event) {
		fmt.Fprint(out, formatEvent(ev, viewNames(ev.View), a.operator(), asJSON))
	}

	s, err := a.newSession(true, observer)
	if err != nil {
		return err
	}

	serveMetrics(ctx, a.cfg.MetricsAddr, a.registry, a.logger)
	stop := runSession(ctx, s)
	defer stop()

	loadCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	err = s.Load(loadCtx)
	cancel()
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("initial history load failed", "error", err)
	}

	<-ctx.Done()
	return nil
}

// viewNames resolves contact display names from v.
func viewNames(v session.View) func(chat.UserID) string {
	return func(id chat.UserID) string {
		if t, ok := v.Thread(id); ok {
			return displayName(t)
		}
		return chat.PlaceholderName(id)
	}
}
