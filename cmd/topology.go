// File: cmd/topology.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newTopologyCmd() *cobra.Command {
	var (
		graphOnly bool
		output    string
	)
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Fetch the registry once and print connections and the topology graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), Options{}, func(ctx context.Context, c *Components) error {
				if err := c.Engine.Refresh(ctx); err != nil {
					return err
				}
				views, err := c.Engine.Views(ctx)
				if err != nil {
					return err
				}
				if graphOnly {
					return printValue(cmd.OutOrStdout(), output, views.Graph)
				}
				return printValue(cmd.OutOrStdout(), output, views)
			})
		},
	}
	cmd.Flags().BoolVar(&graphOnly, "graph", false, "print only the graph")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: json or yaml")
	return cmd
}
