package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
	"github.com/jholhewres/wagate/pkg/wagate/backend/whatsapp"
	"github.com/jholhewres/wagate/pkg/wagate/session"
)

// newLoginCmd creates `wagate login`, which links a session from the
// terminal instead of through /api/connect.
func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Link a session by scanning a login code in the terminal",
		Long: `Start the named session and print each login code until the phone
links it. Codes are drawn as QR codes when stdout is a terminal and printed
as plain text otherwise. Exits once the session is connected.

Examples:
  wagate login --session sales
  wagate login --session sales > code.txt`,
		RunE: runLogin,
	}

	cmd.Flags().StringP("session", "s", "", "session id (defaults to server.default_session)")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)

	id, _ := cmd.Flags().GetString("session")
	if id == "" {
		id = cfg.Server.DefaultSession
	}
	if id == "" {
		return errors.New("--session is required (or set server.default_session)")
	}
	if err := session.ValidateID(id); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := whatsapp.New(whatsapp.Config{
		SessionsDir: cfg.Sessions.Dir,
		DeviceName:  cfg.Sessions.DeviceName,
	}, id, logger)
	defer client.Shutdown()

	events := make(chan backend.Event, 16)
	client.Subscribe(func(ev backend.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting session %q: %w", id, err)
	}

	out := cmd.OutOrStdout()
	tty := term.IsTerminal(int(os.Stdout.Fd()))

	for {
		select {
		case <-ctx.Done():
			return errors.New("interrupted before the session connected")

		case ev := <-events:
			switch ev.Kind {
			case backend.EventLoginCode:
				printLoginCode(out, ev.Code, tty)

			case backend.EventAuthenticated:
				fmt.Fprintln(out, "Paired, finishing connection...")

			case backend.EventReady:
				fmt.Fprintf(out, "Session %q connected.\n", id)
				return nil

			case backend.EventAuthFailure:
				_ = client.Shutdown()
				if err := client.Purge(context.Background()); err != nil {
					logger.Warn("failed to remove credentials", "session", id, "error", err)
				}
				return fmt.Errorf("session %q failed to authenticate: %s", id, ev)

			case backend.EventDisconnected:
				return fmt.Errorf("session %q disconnected: %s", id, ev)
			}
		}
	}
}

// printLoginCode draws code as a QR code on terminals and prints it raw
// otherwise, so the output can be piped to another tool.
func printLoginCode(w io.Writer, code string, tty bool) {
	if !tty {
		fmt.Fprintln(w, code)
		return
	}
	fmt.Fprintln(w, "\nScan this code with WhatsApp (Linked devices > Link a device):")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}
