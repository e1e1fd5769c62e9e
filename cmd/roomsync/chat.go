package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/roomsync/roomsync/internal/config"
	"github.com/roomsync/roomsync/internal/engine"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/internal/session"
	"github.com/roomsync/roomsync/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

func newChatCommand(opts *rootOptions) *cobra.Command {
	var address, name, namespace, url, token string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room from the terminal",
		Long: `Join a room and print its messages, presence and typing state.

Each line read from stdin is sent as a message. /who lists who is online
and /quit leaves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Client
			if address != "" {
				cfg.Address = address
			}
			if name != "" {
				cfg.DisplayName = name
			}
			if namespace != "" {
				cfg.Namespace = namespace
			}
			if url != "" {
				cfg.URL = url
			}
			if token != "" {
				cfg.Token = token
			}
			return runChat(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "identity to join as, overrides ROOMSYNC_ADDRESS")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&namespace, "namespace", "", "room namespace")
	cmd.Flags().StringVar(&url, "url", "", "server websocket base URL")
	cmd.Flags().StringVar(&token, "token", "", "join token")
	return cmd
}

func runChat(ctx context.Context, cfg config.ClientConfig, in io.Reader, out io.Writer) error {
	if cfg.Address == "" {
		return errors.New("an address is required (--address or ROOMSYNC_ADDRESS)")
	}

	dial := session.WebsocketDialer(transport.Options{
		URL:          cfg.URL,
		Namespace:    cfg.Namespace,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, cfg.Token)
	manager := session.NewManager(dial, session.Config{
		DisplayName: cfg.DisplayName,
		TypingIdle:  cfg.TypingIdle,
		TypingTTL:   cfg.TypingTTL,
	})
	defer manager.Close()

	sess, err := manager.SetIdentity(ctx, cfg.Address)
	if err != nil {
		return err
	}

	view := newTerminalView(out)
	changed := make(chan struct{}, 1)
	unsubscribe := sess.Store().Subscribe(func(engine.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	go readLines(gctx, in, lines)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changed:
				view.render(sess.Store().Snapshot())
				sess.Store().MarkRead()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(sess, view, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// readLines feeds stdin lines to the input loop until EOF or ctx ends.
func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func handleLine(sess *session.Session, view *terminalView, line string) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/who":
		view.who(sess.Store().OnlineUsers())
		return nil
	}

	if err := sess.Keystroke(); err != nil {
		view.errorf("%v", err)
		return nil
	}
	if err := sess.SendMessage(line); err != nil {
		view.errorf("%v", err)
	}
	return nil
}

// terminalView prints what changed between successive states.
type terminalView struct {
	mu      sync.Mutex
	out     io.Writer
	seen    map[string]bool
	live    bool
	started bool
	online  string
	typing  string
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out, seen: make(map[string]bool)}
}

func (v *terminalView) render(st engine.State) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.started || st.Connected() != v.live {
		v.started = true
		v.live = st.Connected()
		if v.live {
			fmt.Fprintln(v.out, "* connected")
		} else {
			fmt.Fprintln(v.out, "* disconnected, reconnecting...")
		}
	}

	for _, m := range st.Messages() {
		if v.seen[m.ID] {
			continue
		}
		v.seen[m.ID] = true
		fmt.Fprintf(v.out, "[%s] %s: %s\n", m.Time().Format("15:04:05"), m.Label(), m.Text)
	}

	if online := onlineLine(st.OnlineUsers()); online != v.online {
		v.online = online
		fmt.Fprintf(v.out, "* online: %s\n", online)
	}

	if typing := engine.TypingSummary(st.TypingUsers()); typing != v.typing {
		v.typing = typing
		if typing != "" {
			fmt.Fprintf(v.out, "* %s\n", typing)
		}
	}
}

func (v *terminalView) who(users []models.OnlineUser) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "* %d online: %s\n", len(users), onlineLine(users))
}

func (v *terminalView) errorf(format string, args ...interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "! "+format+"\n", args...)
}

func onlineLine(users []models.OnlineUser) string {
	labels := make([]string, 0, len(users))
	for _, u := range users {
		labels = append(labels, u.Label())
	}
	return strings.Join(labels, ", ")
}
