package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/shellmux/shellmux/pkg/cli"
)

// frameWriter is the outbound half of a websocket connection.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// wsWriter serializes frames onto one websocket connection. gorilla/websocket
// supports a single concurrent writer, and the stdin pump races the SIGWINCH
// resize goroutine without this.
type wsWriter struct {
	mu   sync.Mutex
	conn frameWriter
}

func (w *wsWriter) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func daemonClient() (*cli.Client, error) {
	client := cli.NewDaemonClient(cli.GetDefaultURL())
	if !client.IsRunning() {
		return nil, fmt.Errorf("cannot reach daemon (is it running? try `shellmux start`)")
	}
	return client, nil
}

// runList prints all sessions known to the daemon.
func runList() error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	sessions, err := client.GetSessions(context.Background())
	if err != nil {
		return err
	}

	style := newTermStyle()
	if len(sessions) == 0 {
		style.Printf("No sessions. Use %s to open one.\n", style.Cyan("shellmux connect"))
		return nil
	}

	style.Printf("%-36s  %-12s  %-16s  %-12s  %s\n",
		style.Bold("SESSION"), style.Bold("SERVER"), style.Bold("PHASE"), style.Bold("TRANSPORT"), style.Bold("TMUX"))
	for _, sess := range sessions {
		phase := sess.Phase
		if sess.Attempt > 0 {
			phase = fmt.Sprintf("%s(%d)", sess.Phase, sess.Attempt)
		}
		transport := sess.Transport
		if sess.FallbackReason != "" {
			transport = fmt.Sprintf("%s (%s)", transport, sess.FallbackReason)
		}
		style.Printf("%-36s  %-12s  %-16s  %-12s  %s\n",
			sess.ID, sess.ServerID, phase, transport, sess.TmuxStatus)
	}
	return nil
}

// runConnect opens a session on the given server (prompting when no server
// is named) and attaches the local terminal to it.
func runConnect(serverID string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if serverID == "" {
		servers, err := client.GetServers(ctx)
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			return fmt.Errorf("no servers configured; edit the config and try again")
		}

		options := make([]huh.Option[string], 0, len(servers))
		for _, srv := range servers {
			label := fmt.Sprintf("%s (%s@%s, %s)", srv.Name, srv.User, srv.Host, srv.Transport)
			options = append(options, huh.NewOption(label, srv.ID))
		}
		err = huh.NewSelect[string]().
			Title("Connect to which server?").
			Options(options...).
			Value(&serverID).
			Run()
		if err != nil {
			return err
		}
	}

	sess, err := client.OpenSession(ctx, serverID, "")
	if err != nil {
		return err
	}

	style := newTermStyle()
	style.Success(fmt.Sprintf("opened session %s on %s", sess.ID, serverID))
	return attachTerminal(client, sess.ID)
}

// runAttach attaches the local terminal to an existing session.
func runAttach(sessionID string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	return attachTerminal(client, sessionID)
}

func runSuspend(sessionID string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	if err := client.SuspendSession(context.Background(), sessionID); err != nil {
		return err
	}
	newTermStyle().Success("session suspended; tmux keeps it alive remotely")
	return nil
}

func runClose(sessionID string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	if err := client.CloseSession(context.Background(), sessionID); err != nil {
		return err
	}
	newTermStyle().Success("session closed")
	return nil
}

// attachTerminal puts the local terminal in raw mode and bridges it to the
// session's websocket: stdin becomes binary input frames, binary frames
// from the daemon go straight to stdout, and window size changes are
// forwarded as resize messages.
func attachTerminal(client *cli.Client, sessionID string) error {
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return fmt.Errorf("attach requires an interactive terminal")
	}

	conn, _, err := websocket.DefaultDialer.Dial(client.TerminalWSURL(sessionID), nil)
	if err != nil {
		return fmt.Errorf("failed to open terminal stream: %w", err)
	}
	defer conn.Close()

	out := &wsWriter{conn: conn}
	sendResize := func() {
		cols, rows, err := term.GetSize(stdinFd)
		if err != nil {
			return
		}
		msg, err := json.Marshal(map[string]interface{}{"type": "resize", "cols": cols, "rows": rows})
		if err != nil {
			return
		}
		_ = out.write(websocket.TextMessage, msg)
	}

	// The daemon waits for the first resize before dialing out, so the
	// remote PTY is created at the right size.
	sendResize()

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendResize()
		}
	}()

	// stdin pump
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := out.write(websocket.BinaryMessage, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		switch msgType {
		case websocket.BinaryMessage:
			os.Stdout.Write(msg)
		case websocket.TextMessage:
			var event struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg, &event); err != nil {
				continue
			}
			switch event.Type {
			case "exit":
				term.Restore(stdinFd, oldState)
				fmt.Println("\nsession ended")
				return nil
			case "error":
				term.Restore(stdinFd, oldState)
				return fmt.Errorf("%s", event.Text)
			}
		}
	}
}
