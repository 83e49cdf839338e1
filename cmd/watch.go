// File: cmd/watch.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/engine"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the fleet through polling and the push channel until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), Options{Watch: true}, func(ctx context.Context, c *Components) error {
				updates, unsubscribe := c.Bus.Subscribe(bus.ViewsUpdated, bus.FleetEvent, bus.CommandUpdated)
				defer unsubscribe()
				follow(ctx, c.Bus, updates, observability.Component("watch"))
				return ctx.Err()
			})
		},
	}
}

// follow logs every update until ctx ends or the bus closes.
func follow(ctx context.Context, b *bus.Bus, updates <-chan bus.Message, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			logUpdate(logger, msg)
			b.Acknowledge(msg)
		}
	}
}

func logUpdate(logger *zap.Logger, msg bus.Message) {
	switch p := msg.Payload.(type) {
	case *engine.Views:
		logger.Info("Fleet state updated",
			observability.Generation(p.Generation),
			zap.Int("connections", p.Summary.Total),
			zap.Int("active", p.Summary.Active),
			zap.Int("active_disconnected", p.Summary.ActiveDisconnected),
			zap.Int("inactive", p.Summary.Inactive),
			zap.Int("graph_nodes", len(p.Graph.Nodes)))
	case schemas.FleetEvent:
		logger.Info("Fleet event",
			zap.String("event_id", p.ID), zap.String("type", p.Type), zap.String("source", p.Source))
	case schemas.Command:
		logger.Info("Command update", observability.Command(p), zap.String("error", p.Error))
	default:
		logger.Debug("Unhandled update", zap.String("type", string(msg.Type)))
	}
}
