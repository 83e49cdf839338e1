// File: cmd/pick.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/selection"
)

func newPickCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "pick <node-id> <node-id>",
		Short: "Select a sender and a receiver from the topology and connect them",
		Long: `Picks two topology nodes in either order, asks for confirmation and
connects them with the default activation. Picking a node or device is
rejected.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), Options{}, func(ctx context.Context, c *Components) error {
				if err := c.Engine.Refresh(ctx); err != nil {
					return err
				}
				// Loads the graph the picks resolve against.
				if _, err := c.Engine.Views(ctx); err != nil {
					return err
				}

				m := c.NewSelection()
				for _, id := range args {
					if _, err := m.Click(ctx, id); err != nil {
						return err
					}
				}
				snap := m.State()
				if snap.State != selection.AwaitingConfirmation {
					return fmt.Errorf("%s and %s do not form a sender/receiver pair", args[0], args[1])
				}

				if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), snap) {
					m.Cancel(ctx)
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}

				updates, unsubscribe := c.Bus.Subscribe(bus.CommandUpdated)
				defer unsubscribe()

				snap, err := m.Confirm(ctx)
				if err != nil {
					return err
				}
				final, err := awaitCommand(ctx, c.Bus, updates, snap.CommandID)
				if err != nil {
					return err
				}
				if final.State == schemas.CommandFailed {
					return fmt.Errorf("command %s failed: %s", final.ID, final.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connected %s to %s (command %s).\n", final.SenderID, final.ReceiverIDs[0], final.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "connect without asking")
	return cmd
}

func confirm(in io.Reader, out io.Writer, snap selection.Snapshot) bool {
	fmt.Fprintf(out, "Connect receiver %s to sender %s? [y/N] ", snap.ReceiverID, snap.SenderID)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// awaitCommand reads command updates until commandID reaches a terminal state.
func awaitCommand(ctx context.Context, b *bus.Bus, updates <-chan bus.Message, commandID string) (schemas.Command, error) {
	for {
		select {
		case <-ctx.Done():
			return schemas.Command{}, ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return schemas.Command{}, fmt.Errorf("update stream closed before command %s finished", commandID)
			}
			cmd, _ := msg.Payload.(schemas.Command)
			b.Acknowledge(msg)
			if cmd.ID == commandID && cmd.State.Terminal() {
				return cmd, nil
			}
		}
	}
}
