package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/wagate/pkg/wagate/config"
)

// newKeyCmd creates `wagate key`, which manages the master key stored in
// the OS keyring.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the API master key in the OS keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the master key in the OS keyring (hidden input)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				key, err := readSecret("Master key: ")
				if err != nil {
					return err
				}
				if key == "" {
					return errors.New("master key must not be empty")
				}
				if err := config.StoreKeyring(config.KeyringMasterKey, key); err != nil {
					return fmt.Errorf("storing master key in keyring: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Master key stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the master key from the OS keyring",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := config.DeleteKeyring(config.KeyringMasterKey); err != nil {
					return fmt.Errorf("removing master key from keyring: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Master key removed from the OS keyring.")
				return nil
			},
		},
	)
	return cmd
}

// readSecret reads a line without echo, falling back to plain stdin when
// input is piped.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var buf [1024]byte
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimRight(string(buf[:n]), "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}
