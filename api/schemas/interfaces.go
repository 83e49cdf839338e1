package schemas

import "context"

// -- Interfaces for external collaborators --

// ResourceFetcher pulls a full snapshot of the registry.
type ResourceFetcher interface {
	FetchAllResources(ctx context.Context) (*Snapshot, error)
}

// PushSource delivers push notifications in arrival order until ctx ends.
// Run must not close out.
type PushSource interface {
	Run(ctx context.Context, out chan<- PushMessage) error
}

// ControlClient is the command sink of the connection management service.
type ControlClient interface {
	Connect(ctx context.Context, req ConnectionRequest) (ControlResult, error)
	BulkConnect(ctx context.Context, reqs []ConnectionRequest) ([]ControlResult, error)
	GetConnectionStatus(ctx context.Context, receiverID string) (*ConnectionStatusReport, error)
}
