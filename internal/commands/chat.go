package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/hub"
	"github.com/shopdesk/deskchat/internal/session"
)

var (
	chatJSON        bool
	inboxUnread     bool
	historyLimit    int
	historyMarkRead bool
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		v, err := loadHistory(cmd.Context(), a)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), formatInboxOutput(v.Threads, time.Now(), inboxUnread, chatJSON))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <contact>",
	Short: "Show one conversation",
	Long: `Show the messages of one conversation, oldest first.

With --mark-read the conversation is opened on the hub as well, which marks
the customer's messages read for everyone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		if !historyMarkRead {
			v, err := loadHistory(ctx, a)
			if err != nil {
				return err
			}
			t, err := findThread(v, args[0], a.operator())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatHistoryOutput(t, a.operator(), historyLimit, chatJSON))
			return nil
		}

		s, stop, err := openLive(ctx, a)
		if err != nil {
			return err
		}
		defer stop()

		t, err := findThread(s.Snapshot(), args[0], a.operator())
		if err != nil {
			return err
		}
		s.OpenThread(t.ContactID)
		if err := flushOutbound(ctx, s); err != nil {
			return err
		}
		if a.metrics.OutboundFailures(hub.MethodMarkThreadRead) > 0 {
			fmt.Fprintln(os.Stderr, "Warning: the hub did not confirm the read marker")
		}
		v := s.Snapshot()
		if opened, ok := v.Thread(t.ContactID); ok {
			t = opened
		}
		fmt.Fprint(cmd.OutOrStdout(), formatHistoryOutput(t, a.operator(), historyLimit, chatJSON))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <contact> <message>",
	Short: "Send a reply to a customer",
	Long: `Send a message over the chat hub.

The contact may be a numeric id, so you can write to a customer who has no
conversation yet. Messages are not queued: if the hub is unreachable the
command fails and nothing is sent.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := cmd.Context()

		s, stop, err := openLive(ctx, a)
		if err != nil {
			return err
		}
		defer stop()

		v := s.Snapshot()
		contactID, err := resolveContact(v.Threads, args[0], a.operator())
		if err != nil {
			return err
		}
		if err := s.SendMessage(contactID, args[1]); err != nil {
			return err
		}
		if err := flushOutbound(ctx, s); err != nil {
			return err
		}
		if a.metrics.OutboundFailures(hub.MethodSendMessage) > 0 {
			return fmt.Errorf("the hub rejected the message (see logs)")
		}

		name := chat.PlaceholderName(contactID)
		if t, ok := s.Snapshot().Thread(contactID); ok {
			name = displayName(t)
		}
		if chatJSON {
			fmt.Fprint(cmd.OutOrStdout(), marshalJSONOrFallback(map[string]any{
				"status":     "sent",
				"contact_id": contactID,
			}))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent to %s\n", name)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{inboxCmd, historyCmd, sendCmd} {
		c.Flags().BoolVar(&chatJSON, "json", false, "Output as JSON")
	}
	inboxCmd.Flags().BoolVar(&inboxUnread, "unread", false, "Only conversations with unread messages")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Show only the last N messages (0 = all)")
	historyCmd.Flags().BoolVar(&historyMarkRead, "mark-read", false, "Mark the conversation read on the hub")
}

// findThread resolves input to a known thread.
func findThread(v session.View, input string, operator chat.UserID) (chat.Thread, error) {
	id, err := resolveContact(v.Threads, input, operator)
	if err != nil {
		return chat.Thread{}, err
	}
	t, ok := v.Thread(id)
	if !ok {
		return chat.Thread{}, fmt.Errorf("no conversation with %s", chat.PlaceholderName(id))
	}
	return t, nil
}

// openLive starts a hub-connected session, loads history and waits for the
// connection. The returned stop shuts the session down.
func openLive(ctx context.Context, a *app) (*session.Session, func(), error) {
	s, err := a.newSession(true, nil)
	if err != nil {
		return nil, nil, err
	}
	stop := runSession(ctx, s)

	loadCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	err = s.Load(loadCtx)
	cancel()
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("loading conversations: %w", err)
	}
	if _, err := waitConnected(ctx, s); err != nil {
		stop()
		return nil, nil, err
	}
	return s, stop, nil
}

// flushOutbound waits until queued presenter calls have run and their hub
// calls have finished.
func flushOutbound(ctx context.Context, s *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		return err
	}
	return s.WaitOutbound(ctx)
}
