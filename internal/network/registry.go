package network

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// RegistryClient reads full snapshots from an IS-04 Query API.
type RegistryClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewRegistryClient targets {baseURL}/x-nmos/query/{apiVersion}.
func NewRegistryClient(baseURL, apiVersion string, client *http.Client, logger *zap.Logger) *RegistryClient {
	if apiVersion == "" {
		apiVersion = "v1.3"
	}
	if client == nil {
		client = NewClient(nil)
	}
	return &RegistryClient{
		baseURL: fmt.Sprintf("%s/x-nmos/query/%s", strings.TrimRight(baseURL, "/"), apiVersion),
		client:  client,
		logger:  logger.Named("registry"),
	}
}

// FetchAllResources pulls nodes, devices, senders and receivers. A failure on
// any collection fails the whole fetch, since a partial snapshot would be
// taken as authoritative membership.
func (c *RegistryClient) FetchAllResources(ctx context.Context) (*schemas.Snapshot, error) {
	snap := &schemas.Snapshot{}
	collections := []struct {
		path string
		out  any
	}{
		{"nodes", &snap.Nodes},
		{"devices", &snap.Devices},
		{"senders", &snap.Senders},
		{"receivers", &snap.Receivers},
	}
	for _, col := range collections {
		url := c.baseURL + "/" + col.path
		if err := doJSON(ctx, c.client, "fetch_"+col.path, http.MethodGet, url, nil, col.out); err != nil {
			return nil, err
		}
	}
	c.logger.Debug("Fetched registry snapshot",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("devices", len(snap.Devices)),
		zap.Int("senders", len(snap.Senders)),
		zap.Int("receivers", len(snap.Receivers)))
	return snap, nil
}
