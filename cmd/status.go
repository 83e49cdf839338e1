// File: cmd/status.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

func newStatusCmd() *cobra.Command {
	var (
		local  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "status <receiver-id>",
		Short: "Show the control service's view of a receiver's connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), Options{}, func(ctx context.Context, c *Components) error {
				out := struct {
					Service *schemas.ConnectionStatusReport `json:"service"`
					Local   *schemas.Connection             `json:"local,omitempty"`
				}{}

				report, err := c.Orchestrator.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				out.Service = report

				if local {
					if err := c.Engine.Refresh(ctx); err != nil {
						return err
					}
					views, err := c.Engine.Views(ctx)
					if err != nil {
						return err
					}
					for i := range views.Connections {
						if views.Connections[i].ID == args[0] {
							out.Local = &views.Connections[i]
							break
						}
					}
				}
				return printValue(cmd.OutOrStdout(), output, out)
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "also fetch the registry and show the locally derived connection")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}
