// File: cmd/connect.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/config"
	"github.com/SileNt525/NMOS-Controller/internal/orchestrator"
)

// activationFlags are shared by every command that changes a connection.
type activationFlags struct {
	mode  string
	at    string
	after time.Duration
}

func (f *activationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "activation", "", "immediate, absolute or relative (default from control.default_activation)")
	cmd.Flags().StringVar(&f.at, "at", "", "activation time for absolute mode (RFC 3339)")
	cmd.Flags().DurationVar(&f.after, "after", 0, "activation offset for relative mode")
}

func (f *activationFlags) activation() (schemas.Activation, error) {
	mode := f.mode
	if mode == "" {
		mode = config.Get().Control.DefaultActivation
	}
	return parseActivation(mode, f.at, f.after)
}

// parseActivation builds an Activation. Range checks are left to the
// orchestrator so every entry point reports them the same way.
func parseActivation(mode, at string, after time.Duration) (schemas.Activation, error) {
	m, err := schemas.ParseActivationMode(mode)
	if err != nil {
		return schemas.Activation{}, err
	}
	a := schemas.Activation{Mode: m, After: after}
	if at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return schemas.Activation{}, fmt.Errorf("invalid activation time %q: %w", at, err)
		}
		a.At = t
	}
	return a, nil
}

func parseTransportParams(raw string) ([]map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params []map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("transport params must be a JSON array of objects: %w", err)
	}
	return params, nil
}

// commandOutput is the printed form of a command outcome.
type commandOutput struct {
	Command schemas.Command `json:"command"`
	Details map[string]any  `json:"details,omitempty"`
}

func newConnectCmd() *cobra.Command {
	var (
		act     activationFlags
		params  string
		timeout time.Duration
		output  string
	)
	cmd := &cobra.Command{
		Use:   "connect <sender-id> <receiver-id>",
		Short: "Connect a receiver to a sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			activation, err := act.activation()
			if err != nil {
				return err
			}
			tp, err := parseTransportParams(params)
			if err != nil {
				return err
			}
			req := schemas.ConnectionRequest{SenderID: args[0], ReceiverID: args[1], TransportParams: tp, Activation: activation}

			return withComponents(cmd.Context(), Options{}, func(ctx context.Context, c *Components) error {
				res, err := waitCommand(ctx, timeout, c.Orchestrator.Connect(ctx, req))
				if perr := printValue(cmd.OutOrStdout(), output, commandOutput{Command: res.Command, Details: res.Details}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	act.register(cmd)
	cmd.Flags().StringVar(&params, "transport-params", "", `per-leg transport parameters as JSON, e.g. '[{"rtp_enabled": true}]'`)
	cmd.Flags().DurationVar(&timeout, "wait", 0, "give up waiting after this long (0 waits for the command)")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func newDisconnectCmd() *cobra.Command {
	var (
		act     activationFlags
		timeout time.Duration
		output  string
	)
	cmd := &cobra.Command{
		Use:   "disconnect <receiver-id>",
		Short: "Release a receiver from its sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activation, err := act.activation()
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), Options{}, func(ctx context.Context, c *Components) error {
				res, err := waitCommand(ctx, timeout, c.Orchestrator.Disconnect(ctx, args[0], activation))
				if perr := printValue(cmd.OutOrStdout(), output, commandOutput{Command: res.Command, Details: res.Details}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	act.register(cmd)
	cmd.Flags().DurationVar(&timeout, "wait", 0, "give up waiting after this long (0 waits for the command)")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

// bulkFile is the on-disk batch format. JSON files parse as YAML too.
type bulkFile struct {
	Connections []bulkEntry `yaml:"connections"`
}

type bulkEntry struct {
	SenderID        string           `yaml:"sender_id"`
	ReceiverID      string           `yaml:"receiver_id"`
	TransportParams []map[string]any `yaml:"transport_params"`
	Activation      string           `yaml:"activation"`
	At              string           `yaml:"at"`
	After           time.Duration    `yaml:"after"`
}

func loadBulkFile(path, defaultMode string) ([]schemas.ConnectionRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f bulkFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(f.Connections) == 0 {
		return nil, fmt.Errorf("%s lists no connections", path)
	}

	reqs := make([]schemas.ConnectionRequest, 0, len(f.Connections))
	for i, e := range f.Connections {
		mode := e.Activation
		if mode == "" {
			mode = defaultMode
		}
		a, err := parseActivation(mode, e.At, e.After)
		if err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, err)
		}
		reqs = append(reqs, schemas.ConnectionRequest{
			SenderID:        e.SenderID,
			ReceiverID:      e.ReceiverID,
			TransportParams: e.TransportParams,
			Activation:      a,
		})
	}
	return reqs, nil
}

func newBulkConnectCmd() *cobra.Command {
	var (
		timeout time.Duration
		output  string
	)
	cmd := &cobra.Command{
		Use:   "bulk-connect <file>",
		Short: "Apply a batch of connections from a YAML or JSON file",
		Long: `Reads a file of the form

  connections:
    - sender_id: s1
      receiver_id: r1
      activation: relative
      after: 2s

and sends every valid entry in one call. Invalid entries fail on their own
without blocking the rest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := loadBulkFile(args[0], config.Get().Control.DefaultActivation)
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), Options{}, func(ctx context.Context, c *Components) error {
				batch := c.Orchestrator.BulkConnect(ctx, reqs)
				waitCtx, cancel := waitContext(ctx, timeout)
				defer cancel()
				results, err := batch.Wait(waitCtx)

				var partial *schemas.PartialBatchFailure
				if err != nil && !errors.As(err, &partial) {
					return err
				}
				out := struct {
					BatchID string          `json:"batch_id"`
					Failed  []int           `json:"failed,omitempty"`
					Results []commandOutput `json:"results"`
				}{BatchID: batch.ID()}
				if partial != nil {
					out.Failed = partial.Failed
				}
				for _, r := range results {
					out.Results = append(out.Results, commandOutput{Command: r.Command, Details: r.Details})
				}
				if perr := printValue(cmd.OutOrStdout(), output, out); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "wait", 0, "give up waiting after this long (0 waits for the batch)")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func waitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func waitCommand(ctx context.Context, timeout time.Duration, p *orchestrator.Pending) (schemas.CommandResult, error) {
	waitCtx, cancel := waitContext(ctx, timeout)
	defer cancel()
	return p.Wait(waitCtx)
}
