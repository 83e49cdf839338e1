// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// -- Registry Fetcher Mock --

// MockResourceFetcher mocks the schemas.ResourceFetcher interface.
type MockResourceFetcher struct {
	mock.Mock
}

func (m *MockResourceFetcher) FetchAllResources(ctx context.Context) (*schemas.Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Snapshot), args.Error(1)
}

// -- Push Source Mock --

// MockPushSource mocks schemas.PushSource. Messages queued with Queue are
// delivered before the mocked Run result is returned.
type MockPushSource struct {
	mock.Mock
	queued []schemas.PushMessage
}

// Queue appends messages to deliver on the next Run.
func (m *MockPushSource) Queue(msgs ...schemas.PushMessage) {
	m.queued = append(m.queued, msgs...)
}

func (m *MockPushSource) Run(ctx context.Context, out chan<- schemas.PushMessage) error {
	for _, msg := range m.queued {
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.queued = nil
	return m.Called(ctx).Error(0)
}

// -- Control Client Mock --

// MockControlClient mocks the schemas.ControlClient interface.
type MockControlClient struct {
	mock.Mock
}

// Connect honours cancellation first so timeout paths can be exercised with
// a blocking expectation.
func (m *MockControlClient) Connect(ctx context.Context, req schemas.ConnectionRequest) (schemas.ControlResult, error) {
	select {
	case <-ctx.Done():
		return schemas.ControlResult{}, ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.ControlResult), args.Error(1)
}

func (m *MockControlClient) BulkConnect(ctx context.Context, reqs []schemas.ConnectionRequest) ([]schemas.ControlResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	args := m.Called(ctx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.ControlResult), args.Error(1)
}

func (m *MockControlClient) GetConnectionStatus(ctx context.Context, receiverID string) (*schemas.ConnectionStatusReport, error) {
	args := m.Called(ctx, receiverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ConnectionStatusReport), args.Error(1)
}

// -- Ingest Mocks --

// MockMutator mocks the ingest.Mutator interface.
type MockMutator struct {
	mock.Mock
}

func (m *MockMutator) ApplyPatch(ctx context.Context, kind schemas.ResourceKind, id string, fields map[string]any) (uint64, error) {
	args := m.Called(ctx, kind, id, fields)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockMutator) PatchSubscription(ctx context.Context, receiverID string, patch schemas.SubscriptionPatch) (uint64, error) {
	args := m.Called(ctx, receiverID, patch)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockMutator) RequestRefresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockFleetEventSink mocks the ingest.FleetEventSink interface.
type MockFleetEventSink struct {
	mock.Mock
}

func (m *MockFleetEventSink) RecordFleetEvent(ctx context.Context, ev schemas.FleetEvent) error {
	return m.Called(ctx, ev).Error(0)
}

// -- Orchestrator Overlay Mock --

// MockOverlay mocks the orchestrator.Overlay interface.
type MockOverlay struct {
	mock.Mock
}

func (m *MockOverlay) Stage(ctx context.Context, receiverID, commandID string, sub schemas.Subscription) (uint64, error) {
	args := m.Called(ctx, receiverID, commandID, sub)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockOverlay) Confirm(ctx context.Context, receiverID, commandID string) (uint64, error) {
	args := m.Called(ctx, receiverID, commandID)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockOverlay) Discard(ctx context.Context, receiverID, commandID string) (uint64, error) {
	args := m.Called(ctx, receiverID, commandID)
	return args.Get(0).(uint64), args.Error(1)
}

// -- Selection Mocks --

// MockCommitter records selection commits.
type MockCommitter struct {
	mock.Mock
}

// Commit matches selection.CommitFunc.
func (m *MockCommitter) Commit(ctx context.Context, req schemas.ConnectionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}
