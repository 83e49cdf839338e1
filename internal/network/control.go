package network

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

// ControlClient talks to the connection management service.
type ControlClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewControlClient targets the service rooted at baseURL.
func NewControlClient(baseURL string, client *http.Client, logger *zap.Logger) *ControlClient {
	if client == nil {
		client = NewClient(nil)
	}
	return &ControlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.Named("control"),
	}
}

// connectionBody is the service's request shape for one connection.
type connectionBody struct {
	SenderID        string           `json:"sender_id"`
	ReceiverID      string           `json:"receiver_id"`
	TransportParams []map[string]any `json:"transport_params"`
	ActivationMode  string           `json:"activation_mode"`
	ActivationTime  string           `json:"activation_time,omitempty"`
}

func toBody(req schemas.ConnectionRequest) connectionBody {
	return connectionBody{
		SenderID:        req.SenderID,
		ReceiverID:      req.ReceiverID,
		TransportParams: req.TransportParams,
		ActivationMode:  string(req.Activation.Mode),
		ActivationTime:  req.Activation.RequestedTime(),
	}
}

// Connect issues one connection change. A 2xx answer is a success.
func (c *ControlClient) Connect(ctx context.Context, req schemas.ConnectionRequest) (schemas.ControlResult, error) {
	var resp struct {
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	if err := doJSON(ctx, c.client, "connect", http.MethodPost, c.baseURL+"/connect", toBody(req), &resp); err != nil {
		return schemas.ControlResult{}, err
	}
	c.logger.Debug("Connect accepted", observability.ReceiverID(req.ReceiverID), observability.SenderID(req.SenderID))
	return schemas.ControlResult{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Status:     "success",
		Detail:     resp.Message,
		Details:    resp.Details,
	}, nil
}

// BulkConnect issues all requests in one call and returns the per-element
// results as reported by the service.
func (c *ControlClient) BulkConnect(ctx context.Context, reqs []schemas.ConnectionRequest) ([]schemas.ControlResult, error) {
	body := struct {
		Connections []connectionBody `json:"connections"`
	}{Connections: make([]connectionBody, 0, len(reqs))}
	for _, r := range reqs {
		body.Connections = append(body.Connections, toBody(r))
	}

	var resp struct {
		Results []schemas.ControlResult `json:"results"`
	}
	if err := doJSON(ctx, c.client, "bulk_connect", http.MethodPost, c.baseURL+"/bulk_connect", body, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("Bulk connect answered", zap.Int("sent", len(reqs)), zap.Int("results", len(resp.Results)))
	return resp.Results, nil
}

// GetConnectionStatus asks for the service's view of one receiver.
func (c *ControlClient) GetConnectionStatus(ctx context.Context, receiverID string) (*schemas.ConnectionStatusReport, error) {
	report := &schemas.ConnectionStatusReport{}
	endpoint := c.baseURL + "/connection_status/" + url.PathEscape(receiverID)
	if err := doJSON(ctx, c.client, "connection_status", http.MethodGet, endpoint, nil, report); err != nil {
		return nil, err
	}
	if report.ReceiverID == "" {
		report.ReceiverID = receiverID
	}
	return report, nil
}
