package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"lexrt/pkg/client"
	"lexrt/pkg/stream"
)

// chatConfig holds flags for the chat command.
type chatConfig struct {
	user string
	slot string
}

// newChatCmd creates the "lexrt chat" subcommand.
func newChatCmd(g *globalFlags) *cobra.Command {
	var cc chatConfig

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Chat with the assistant",
		Long:  "With a message, runs one chat turn and prints the streamed reply.\nWithout one, reads messages from stdin, one per line, in a single conversation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd, g)
			if err != nil {
				return err
			}
			if cc.user == "" {
				cc.user = env.cfg.Identity
			}

			cl, cleanup, err := env.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			w := cmd.OutOrStdout()
			p := newDeltaPrinter(w)
			cancel := cl.Subscribe(p.update)
			defer cancel()

			conv := cl.Conversation(cc.slot, cc.user)
			if len(args) > 0 {
				_, err := askOnce(cmd.Context(), conv, p, strings.Join(args, " "))
				return err
			}
			return chatLoop(cmd.Context(), cmd.InOrStdin(), w, conv, p)
		},
	}

	cmd.Flags().StringVar(&cc.user, "user", "", "user id sent with start_chat (default: identity)")
	cmd.Flags().StringVar(&cc.slot, "slot", "cli", "conversation slot")

	return cmd
}

func askOnce(ctx context.Context, conv *client.Conversation, p *deltaPrinter, message string) (stream.Session, error) {
	sess, err := conv.Ask(ctx, message)
	p.finish(sess)
	return sess, err
}

func chatLoop(ctx context.Context, in io.Reader, w io.Writer, conv *client.Conversation, p *deltaPrinter) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(w, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(w, "> ")
			continue
		case "/quit", "/exit":
			return nil
		}
		sess, err := askOnce(ctx, conv, p, line)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && sess.ID == "" {
			// Failed turns were already reported by the printer.
			fmt.Fprintf(w, "error: %v\n", err)
		}
		fmt.Fprint(w, "> ")
	}
	fmt.Fprintln(w)
	return scanner.Err()
}

// deltaPrinter writes the part of a chat session's content not printed yet.
type deltaPrinter struct {
	w io.Writer

	mu      sync.Mutex
	printed map[string]string
}

func newDeltaPrinter(w io.Writer) *deltaPrinter {
	return &deltaPrinter{w: w, printed: make(map[string]string)}
}

func (p *deltaPrinter) update(s stream.Session) {
	if s.Kind != stream.KindChat {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Status == stream.StatusPending {
		delete(p.printed, s.ID)
		return
	}
	done := p.printed[s.ID]
	switch {
	case s.Content == done:
	case strings.HasPrefix(s.Content, done):
		fmt.Fprint(p.w, s.Content[len(done):])
	default:
		// The final text replaced the streamed one.
		fmt.Fprint(p.w, "\n"+s.Content)
	}
	p.printed[s.ID] = s.Content
}

// finish ends the line of a terminal turn.
func (p *deltaPrinter) finish(s stream.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.ID == "" {
		return
	}
	if s.Status == stream.StatusFailed {
		fmt.Fprintf(p.w, "\n[failed: %s]\n", s.Error)
		return
	}
	fmt.Fprintln(p.w)
}
