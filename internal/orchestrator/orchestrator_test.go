package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/mocks"
	"github.com/SileNt525/NMOS-Controller/internal/store"
)

// -- Test Helpers --

// storeOverlay adapts a real store to the Overlay interface.
type storeOverlay struct{ s *store.Store }

func (o storeOverlay) Stage(_ context.Context, rid, cid string, sub schemas.Subscription) (uint64, error) {
	return o.s.Stage(rid, cid, sub), nil
}
func (o storeOverlay) Confirm(_ context.Context, rid, cid string) (uint64, error) {
	return o.s.Confirm(rid, cid), nil
}
func (o storeOverlay) Discard(_ context.Context, rid, cid string) (uint64, error) {
	return o.s.Discard(rid, cid), nil
}

type fixture struct {
	client *mocks.MockControlClient
	store  *store.Store
	clock  *clock.Mock
	orch   *Orchestrator
}

func setup(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	s := store.New(zap.NewNop())
	s.ApplySnapshot(&schemas.Snapshot{
		Senders: []schemas.ResourceSender{{ID: "s1"}, {ID: "s2"}},
		Receivers: []schemas.ResourceReceiver{
			{ID: "r1", Subscription: schemas.Subscription{SenderID: "s1", Active: true}},
			{ID: "r2"}, {ID: "r3"}, {ID: "r4"}, {ID: "r5"},
		},
	}, 0)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	client := new(mocks.MockControlClient)
	orch := New(client, storeOverlay{s}, nil, clk, Config{CommandTimeout: timeout, StatusTimeout: timeout, HistorySize: 10}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
	})
	return &fixture{client: client, store: s, clock: clk, orch: orch}
}

func immediate() schemas.Activation {
	return schemas.Activation{Mode: schemas.ActivateImmediate}
}

func forReceiver(id string) interface{} {
	return mock.MatchedBy(func(r schemas.ConnectionRequest) bool { return r.ReceiverID == id })
}

func success(sender, receiver string) schemas.ControlResult {
	return schemas.ControlResult{SenderID: sender, ReceiverID: receiver, Status: "success"}
}

func waitResult(t *testing.T, p *Pending) (schemas.CommandResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, ctx.Err(), "command did not finish")
	return res, err
}

// -- Test Cases --

func TestConnectOptimistic(t *testing.T) {
	ctx := context.Background()

	t.Run("overlay is visible while pending and confirmed on success", func(t *testing.T) {
		f := setup(t, time.Second)
		var seenDuringCall schemas.Subscription
		var confirmedDuringCall bool
		f.client.On("Connect", mock.Anything, schemas.ConnectionRequest{
			SenderID: "s2", ReceiverID: "r1",
			TransportParams: []map[string]any{{}},
			Activation:      immediate(),
		}).Run(func(mock.Arguments) {
			v := f.store.View()
			r1, _ := v.Receiver("r1")
			seenDuringCall = r1.Subscription
			confirmedDuringCall = v.Overlays["r1"].Confirmed
		}).Return(success("s2", "r1"), nil).Once()

		p := f.orch.Connect(ctx, schemas.ConnectionRequest{
			SenderID: "s2", ReceiverID: "r1",
			TransportParams: []map[string]any{{}},
			Activation:      immediate(),
		})
		res, err := waitResult(t, p)

		require.NoError(t, err)
		assert.Equal(t, schemas.CommandSucceeded, res.Command.State)
		assert.Equal(t, schemas.Subscription{SenderID: "s2", Active: true}, seenDuringCall)
		assert.False(t, confirmedDuringCall)

		v := f.store.View()
		r1, _ := v.Receiver("r1")
		assert.Equal(t, "s2", r1.Subscription.SenderID)
		assert.True(t, v.Overlays["r1"].Confirmed)
		f.client.AssertExpectations(t)
	})

	t.Run("remote rejection rolls back", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("Connect", mock.Anything, forReceiver("r1")).
			Return(schemas.ControlResult{ReceiverID: "r1", Status: "failed", Detail: "receiver busy"}, nil).Once()

		res, err := waitResult(t, f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s2", ReceiverID: "r1", Activation: immediate()}))

		require.Error(t, err)
		assert.True(t, schemas.IsRemote(err))
		assert.Contains(t, res.Command.Error, "receiver busy")
		assert.Equal(t, schemas.CommandFailed, res.Command.State)

		v := f.store.View()
		r1, _ := v.Receiver("r1")
		assert.Equal(t, schemas.Subscription{SenderID: "s1", Active: true}, r1.Subscription)
		assert.Empty(t, v.Overlays)
	})

	t.Run("failure after a confirmed command keeps the confirmed value", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("Connect", mock.Anything, mock.MatchedBy(func(r schemas.ConnectionRequest) bool {
			return r.ReceiverID == "r1" && r.SenderID == "s2"
		})).Return(success("s2", "r1"), nil).Once()
		f.client.On("Connect", mock.Anything, mock.MatchedBy(func(r schemas.ConnectionRequest) bool {
			return r.ReceiverID == "r1" && r.SenderID == ""
		})).Return(schemas.ControlResult{ReceiverID: "r1", Status: "failed", Detail: "locked"}, nil).Once()

		_, err := waitResult(t, f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s2", ReceiverID: "r1", Activation: immediate()}))
		require.NoError(t, err)
		_, err = waitResult(t, f.orch.Disconnect(ctx, "r1", immediate()))
		require.Error(t, err)

		v := f.store.View()
		r1, _ := v.Receiver("r1")
		assert.Equal(t, schemas.Subscription{SenderID: "s2", Active: true}, r1.Subscription)
		assert.True(t, v.Overlays["r1"].Confirmed)
		f.client.AssertExpectations(t)
	})

	t.Run("stalled overlay write does not hang the command", func(t *testing.T) {
		client := new(mocks.MockControlClient)
		overlay := new(mocks.MockOverlay)
		orch := New(client, overlay, nil, clock.NewMock(), Config{CommandTimeout: 30 * time.Millisecond}, zap.NewNop())

		overlay.On("Stage", mock.Anything, "r1", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(uint64(0), context.DeadlineExceeded).Once()
		client.On("Connect", mock.Anything, forReceiver("r1")).Return(success("s2", "r1"), nil).Once()

		res, err := waitResult(t, orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s2", ReceiverID: "r1", Activation: immediate()}))

		require.NoError(t, err)
		assert.Equal(t, schemas.CommandSucceeded, res.Command.State)
		overlay.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("stalled call times out and rolls back", func(t *testing.T) {
		f := setup(t, 30*time.Millisecond)
		f.client.On("Connect", mock.Anything, forReceiver("r1")).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(schemas.ControlResult{}, context.DeadlineExceeded).Once()

		_, err := waitResult(t, f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s2", ReceiverID: "r1", Activation: immediate()}))

		require.Error(t, err)
		assert.True(t, schemas.IsTimeout(err))
		r1, _ := f.store.View().Receiver("r1")
		assert.Equal(t, "s1", r1.Subscription.SenderID)
	})

	t.Run("transport failure is distinct from rejection", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("Connect", mock.Anything, forReceiver("r1")).
			Return(schemas.ControlResult{}, errors.New("connection refused")).Once()

		_, err := waitResult(t, f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s2", ReceiverID: "r1", Activation: immediate()}))

		var te *schemas.TransportError
		require.ErrorAs(t, err, &te)
		assert.False(t, te.Timeout)
		assert.False(t, schemas.IsRemote(err))
	})

	t.Run("disconnect stages an inactive subscription", func(t *testing.T) {
		f := setup(t, time.Second)
		var seen schemas.Subscription
		f.client.On("Connect", mock.Anything, mock.MatchedBy(func(r schemas.ConnectionRequest) bool {
			return r.ReceiverID == "r1" && r.SenderID == ""
		})).Run(func(mock.Arguments) {
			r1, _ := f.store.View().Receiver("r1")
			seen = r1.Subscription
		}).Return(success("", "r1"), nil).Once()

		res, err := waitResult(t, f.orch.Disconnect(ctx, "r1", immediate()))

		require.NoError(t, err)
		assert.Equal(t, schemas.CommandDisconnect, res.Command.Kind)
		assert.Equal(t, schemas.Subscription{}, seen)
	})

	t.Run("scheduled commands do not touch the overlay", func(t *testing.T) {
		client := new(mocks.MockControlClient)
		overlay := new(mocks.MockOverlay)
		orch := New(client, overlay, nil, clock.NewMock(), Config{CommandTimeout: time.Second}, zap.NewNop())

		client.On("Connect", mock.Anything, forReceiver("r1")).Return(success("s2", "r1"), nil).Once()

		_, err := waitResult(t, orch.Connect(ctx, schemas.ConnectionRequest{
			SenderID: "s2", ReceiverID: "r1",
			Activation: schemas.Activation{Mode: schemas.ActivateScheduledRelative, After: 5 * time.Second},
		}))

		require.NoError(t, err)
		overlay.AssertNotCalled(t, "Stage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestValidation(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name  string
		req   schemas.ConnectionRequest
		field string
	}{
		{name: "missing receiver", req: schemas.ConnectionRequest{SenderID: "s1", Activation: immediate()}, field: "receiver_id"},
		{name: "missing sender", req: schemas.ConnectionRequest{ReceiverID: "r1", Activation: immediate()}, field: "sender_id"},
		{name: "missing mode", req: schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1"}, field: "activation.mode"},
		{name: "unknown mode", req: schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1", Activation: schemas.Activation{Mode: "later"}}, field: "activation.mode"},
		{name: "absolute without time", req: schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1", Activation: schemas.Activation{Mode: schemas.ActivateScheduledAbsolute}}, field: "activation.at"},
		{
			name:  "absolute in the past",
			req:   schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1", Activation: schemas.Activation{Mode: schemas.ActivateScheduledAbsolute, At: time.Date(2024, 6, 1, 9, 59, 0, 0, time.UTC)}},
			field: "activation.at",
		},
		{name: "relative not positive", req: schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1", Activation: schemas.Activation{Mode: schemas.ActivateScheduledRelative}}, field: "activation.after"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, time.Second)

			p := f.orch.Connect(ctx, tc.req)
			select {
			case <-p.Done():
			default:
				t.Fatal("validation failure must complete synchronously")
			}
			res, err := p.Wait(ctx)

			var ve *schemas.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Equal(t, schemas.CommandFailed, res.Command.State)
			assert.Empty(t, f.store.View().Overlays)
			f.client.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
		})
	}

	t.Run("immediate ignores a stale activation time", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("Connect", mock.Anything, mock.MatchedBy(func(r schemas.ConnectionRequest) bool {
			return r.Activation.At.IsZero()
		})).Return(success("s2", "r2"), nil).Once()

		_, err := waitResult(t, f.orch.Connect(ctx, schemas.ConnectionRequest{
			SenderID: "s2", ReceiverID: "r2",
			Activation: schemas.Activation{Mode: schemas.ActivateImmediate, At: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		}))
		assert.NoError(t, err)
	})

	t.Run("absolute in the future is accepted", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("Connect", mock.Anything, forReceiver("r2")).Return(success("s2", "r2"), nil).Once()

		_, err := waitResult(t, f.orch.Connect(ctx, schemas.ConnectionRequest{
			SenderID: "s2", ReceiverID: "r2",
			Activation: schemas.Activation{Mode: schemas.ActivateScheduledAbsolute, At: f.clock.Now().Add(time.Minute)},
		}))
		assert.NoError(t, err)
	})
}

func TestBulkConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("one malformed element does not affect the others", func(t *testing.T) {
		f := setup(t, time.Second)
		reqs := []schemas.ConnectionRequest{
			{SenderID: "s1", ReceiverID: "r1", Activation: immediate()},
			{SenderID: "s1", ReceiverID: "r2", Activation: immediate()},
			{SenderID: "s1", Activation: immediate()},
			{SenderID: "s2", ReceiverID: "r3", Activation: immediate()},
			{SenderID: "s2", ReceiverID: "r4", Activation: immediate()},
		}
		f.client.On("BulkConnect", mock.Anything, mock.MatchedBy(func(rs []schemas.ConnectionRequest) bool {
			return len(rs) == 4
		})).Return([]schemas.ControlResult{
			success("s2", "r4"), success("s1", "r1"), success("s2", "r3"), success("s1", "r2"),
		}, nil).Once()

		batch := f.orch.BulkConnect(ctx, reqs)
		results, err := batch.Wait(ctx)

		var pbf *schemas.PartialBatchFailure
		require.ErrorAs(t, err, &pbf)
		assert.Equal(t, []int{2}, pbf.Failed)
		require.Len(t, results, 5)
		for i, res := range results {
			assert.Equal(t, batch.ID(), res.Command.BatchID)
			if i == 2 {
				assert.True(t, schemas.IsValidation(res.Err))
				continue
			}
			assert.NoError(t, res.Err, "element %d", i)
			assert.Equal(t, schemas.CommandSucceeded, res.Command.State)
		}
		f.client.AssertExpectations(t)
	})

	t.Run("per-element rejection", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("BulkConnect", mock.Anything, mock.Anything).Return([]schemas.ControlResult{
			success("s1", "r2"),
			{SenderID: "s1", ReceiverID: "r3", Status: "failed", Detail: "format mismatch"},
		}, nil).Once()

		results, err := f.orch.BulkConnect(ctx, []schemas.ConnectionRequest{
			{SenderID: "s1", ReceiverID: "r2", Activation: immediate()},
			{SenderID: "s1", ReceiverID: "r3", Activation: immediate()},
		}).Wait(ctx)

		var pbf *schemas.PartialBatchFailure
		require.ErrorAs(t, err, &pbf)
		assert.Equal(t, []int{1}, pbf.Failed)
		assert.NoError(t, results[0].Err)
		assert.True(t, schemas.IsRemote(results[1].Err))

		v := f.store.View()
		r2, _ := v.Receiver("r2")
		r3, _ := v.Receiver("r3")
		assert.Equal(t, "s1", r2.Subscription.SenderID)
		assert.Empty(t, r3.Subscription.SenderID, "failed element rolled back")
	})

	t.Run("duplicate receiver fails validation", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("BulkConnect", mock.Anything, mock.MatchedBy(func(rs []schemas.ConnectionRequest) bool {
			return len(rs) == 1
		})).Return([]schemas.ControlResult{success("s1", "r2")}, nil).Once()

		results, err := f.orch.BulkConnect(ctx, []schemas.ConnectionRequest{
			{SenderID: "s1", ReceiverID: "r2", Activation: immediate()},
			{SenderID: "s2", ReceiverID: "r2", Activation: immediate()},
		}).Wait(ctx)

		require.Error(t, err)
		assert.NoError(t, results[0].Err)
		assert.True(t, schemas.IsValidation(results[1].Err))
	})

	t.Run("call failure fails every sent element", func(t *testing.T) {
		f := setup(t, time.Second)
		f.client.On("BulkConnect", mock.Anything, mock.Anything).Return(nil, &schemas.TransportError{Op: "bulk_connect", Err: errors.New("reset")}).Once()

		_, err := f.orch.BulkConnect(ctx, []schemas.ConnectionRequest{
			{SenderID: "s1", ReceiverID: "r2", Activation: immediate()},
			{SenderID: "s1", ReceiverID: "r3", Activation: immediate()},
		}).Wait(ctx)

		var pbf *schemas.PartialBatchFailure
		require.ErrorAs(t, err, &pbf)
		assert.Equal(t, []int{0, 1}, pbf.Failed)
		assert.Empty(t, f.store.View().Overlays)
	})

	t.Run("all invalid sends nothing", func(t *testing.T) {
		f := setup(t, time.Second)
		_, err := f.orch.BulkConnect(ctx, []schemas.ConnectionRequest{{}}).Wait(ctx)
		require.Error(t, err)
		f.client.AssertNotCalled(t, "BulkConnect", mock.Anything, mock.Anything)
	})

	t.Run("results without receiver ids match by position", func(t *testing.T) {
		sent := []schemas.ConnectionRequest{{ReceiverID: "a"}, {ReceiverID: "b"}}
		got := matchResults(sent, []schemas.ControlResult{{Status: "success"}, {Status: "failed"}})
		assert.Equal(t, "success", got[0].Status)
		assert.Equal(t, "failed", got[1].Status)
	})
}

func TestSameReceiverSerialization(t *testing.T) {
	ctx := context.Background()
	f := setup(t, time.Second)

	release := make(chan struct{})
	var order []string
	var orderMu sync.Mutex
	var secondStarted atomic.Bool
	record := func(s string) {
		orderMu.Lock()
		order = append(order, s)
		orderMu.Unlock()
	}

	f.client.On("Connect", mock.Anything, mock.MatchedBy(func(r schemas.ConnectionRequest) bool {
		return r.ReceiverID == "r1" && r.SenderID == "s2"
	})).Run(func(mock.Arguments) {
		record("first")
		<-release
	}).Return(success("s2", "r1"), nil).Once()
	f.client.On("Connect", mock.Anything, mock.MatchedBy(func(r schemas.ConnectionRequest) bool {
		return r.ReceiverID == "r1" && r.SenderID == "s1"
	})).Run(func(mock.Arguments) {
		secondStarted.Store(true)
		record("second")
	}).Return(success("s1", "r1"), nil).Once()
	f.client.On("Connect", mock.Anything, forReceiver("r2")).Return(success("s1", "r2"), nil).Once()

	first := f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s2", ReceiverID: "r1", Activation: immediate()})
	second := f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1", Activation: immediate()})
	other := f.orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r2", Activation: immediate()})

	// r2 is not held up by the blocked r1 command.
	_, err := waitResult(t, other)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, secondStarted.Load(), "second command must wait for the first")
	cmd, ok := f.orch.Command(second.ID())
	require.True(t, ok)
	assert.Equal(t, schemas.CommandPending, cmd.State)

	close(release)
	_, err = waitResult(t, first)
	require.NoError(t, err)
	_, err = waitResult(t, second)
	require.NoError(t, err)

	orderMu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	orderMu.Unlock()

	r1, _ := f.store.View().Receiver("r1")
	assert.Equal(t, "s1", r1.Subscription.SenderID, "last command wins")
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the control service report", func(t *testing.T) {
		f := setup(t, time.Second)
		report := &schemas.ConnectionStatusReport{ReceiverID: "r1", Status: "connected"}
		f.client.On("GetConnectionStatus", mock.Anything, "r1").Return(report, nil).Once()

		got, err := f.orch.GetStatus(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, report, got)
	})

	t.Run("bounded by the status timeout", func(t *testing.T) {
		f := setup(t, 20*time.Millisecond)
		f.client.On("GetConnectionStatus", mock.Anything, "r1").Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Return(nil, context.DeadlineExceeded).Once()

		_, err := f.orch.GetStatus(ctx, "r1")
		assert.True(t, schemas.IsTimeout(err))
	})

	t.Run("requires a receiver", func(t *testing.T) {
		f := setup(t, time.Second)
		_, err := f.orch.GetStatus(ctx, "")
		assert.True(t, schemas.IsValidation(err))
	})
}

func TestHistoryAndPublishing(t *testing.T) {
	ctx := context.Background()
	b := bus.New(zap.NewNop(), 16)
	defer b.Shutdown()
	updates, unsub := b.Subscribe(bus.CommandUpdated)
	defer unsub()

	client := new(mocks.MockControlClient)
	client.On("Connect", mock.Anything, mock.Anything).Return(success("s1", "r1"), nil)
	orch := New(client, nil, b, clock.NewMock(), Config{CommandTimeout: time.Second, HistorySize: 2}, zap.NewNop())

	var ids []string
	for i := 0; i < 3; i++ {
		p := orch.Connect(ctx, schemas.ConnectionRequest{SenderID: "s1", ReceiverID: "r1", Activation: immediate()})
		_, err := waitResult(t, p)
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}

	recent := orch.Recent(0)
	require.Len(t, recent, 2, "history is bounded")
	assert.Equal(t, ids[2], recent[0].ID)

	_, ok := orch.Command(ids[0])
	assert.False(t, ok, "evicted")
	cmd, ok := orch.Command(ids[1])
	require.True(t, ok)
	assert.Equal(t, schemas.CommandSucceeded, cmd.State)

	// pending + terminal for each command
	for i := 0; i < 6; i++ {
		select {
		case msg := <-updates:
			_, isCmd := msg.Payload.(schemas.Command)
			assert.True(t, isCmd)
			b.Acknowledge(msg)
		case <-time.After(time.Second):
			t.Fatalf("missing command update %d", i)
		}
	}
}
