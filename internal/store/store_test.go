package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// -- Test Helpers --

func baseSnapshot() *schemas.Snapshot {
	return &schemas.Snapshot{
		Nodes:   []schemas.ResourceNode{{ID: "n1", Label: "Node 1"}},
		Devices: []schemas.ResourceDevice{{ID: "d1", Label: "Device 1", NodeID: "n1"}},
		Senders: []schemas.ResourceSender{
			{ID: "s1", Label: "Camera 1", DeviceID: "d1"},
			{ID: "s2", Label: "Camera 2", DeviceID: "d1"},
		},
		Receivers: []schemas.ResourceReceiver{
			{ID: "r1", Label: "Monitor", DeviceID: "d1", Subscription: schemas.Subscription{SenderID: "s1", Active: true}},
			{ID: "r2", Label: "Recorder", DeviceID: "d1"},
		},
	}
}

func content(v *View) *schemas.Snapshot {
	return v.Snapshot()
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// -- Test Cases --

func TestApplySnapshot(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), s.Generation())
		once := content(s.View())

		s.ApplySnapshot(baseSnapshot(), s.Generation())
		twice := content(s.View())

		assert.Equal(t, once, twice)
		assert.Equal(t, uint64(2), s.Generation())
	})

	t.Run("preserves snapshot order", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		v := s.View()
		require.Len(t, v.Receivers, 2)
		assert.Equal(t, "r1", v.Receivers[0].ID)
		assert.Equal(t, "r2", v.Receivers[1].ID)
	})

	t.Run("membership follows the latest snapshot", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		snap := baseSnapshot()
		snap.Senders = snap.Senders[:1]
		s.ApplySnapshot(snap, s.Generation())

		v := s.View()
		assert.True(t, v.HasSender("s1"))
		assert.False(t, v.HasSender("s2"))
	})

	t.Run("duplicate ids collapse to one record", func(t *testing.T) {
		s := New(zap.NewNop())
		snap := baseSnapshot()
		snap.Senders = append(snap.Senders, schemas.ResourceSender{ID: "s1", Label: "Camera 1 renamed"})
		s.ApplySnapshot(snap, 0)

		v := s.View()
		require.Len(t, v.Senders, 2)
		assert.Equal(t, "Camera 1 renamed", v.Senders[0].Label)
	})

	t.Run("nil snapshot is ignored", func(t *testing.T) {
		s := New(zap.NewNop())
		assert.Equal(t, uint64(0), s.ApplySnapshot(nil, 0))
	})
}

func TestMonotonicReconciliation(t *testing.T) {
	t.Run("patch during an in-flight fetch survives the snapshot", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		fetchStartedAt := s.Generation()
		_, err := s.PatchSubscription("r1", schemas.SubscriptionPatch{Active: boolPtr(false)})
		require.NoError(t, err)
		_, err = s.ApplyPatch(schemas.KindSender, "s2", map[string]any{"label": "Camera 2 (patched)"})
		require.NoError(t, err)

		// The stale snapshot still carries the old values.
		s.ApplySnapshot(baseSnapshot(), fetchStartedAt)

		v := s.View()
		r1, ok := v.Receiver("r1")
		require.True(t, ok)
		assert.False(t, r1.Subscription.Active, "patched field group must survive")
		assert.Equal(t, "s1", r1.Subscription.SenderID)

		s2, ok := v.Sender("s2")
		require.True(t, ok)
		assert.Equal(t, "Camera 2 (patched)", s2.Label)

		r2, _ := v.Receiver("r2")
		assert.Equal(t, "Recorder", r2.Label, "unpatched fields keep the snapshot value")
	})

	t.Run("snapshot started after the patch redefines the field", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		_, err := s.PatchSubscription("r1", schemas.SubscriptionPatch{Active: boolPtr(false)})
		require.NoError(t, err)

		s.ApplySnapshot(baseSnapshot(), s.Generation())

		r1, _ := s.View().Receiver("r1")
		assert.True(t, r1.Subscription.Active)
	})

	t.Run("snapshot wins membership over a patched entity", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		fetchStartedAt := s.Generation()
		_, err := s.ApplyPatch(schemas.KindSender, "s2", map[string]any{"label": "gone soon"})
		require.NoError(t, err)

		snap := baseSnapshot()
		snap.Senders = snap.Senders[:1]
		s.ApplySnapshot(snap, fetchStartedAt)

		assert.False(t, s.View().HasSender("s2"))
	})

	t.Run("stamps are cleared once a later snapshot covers them", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		fetchStartedAt := s.Generation()
		_, err := s.PatchSubscription("r1", schemas.SubscriptionPatch{Active: boolPtr(false)})
		require.NoError(t, err)
		s.ApplySnapshot(baseSnapshot(), fetchStartedAt)
		require.Len(t, s.stamps, 1)

		s.ApplySnapshot(baseSnapshot(), s.Generation())
		assert.Empty(t, s.stamps)
		r1, _ := s.View().Receiver("r1")
		assert.True(t, r1.Subscription.Active)
	})
}

func TestApplyPatch(t *testing.T) {
	t.Run("creates unknown record", func(t *testing.T) {
		s := New(zap.NewNop())
		gen, err := s.ApplyPatch(schemas.KindDevice, "d9", map[string]any{"label": "Early", "node_id": "n1"})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), gen)

		v := s.View()
		require.Len(t, v.Devices, 1)
		assert.Equal(t, schemas.ResourceDevice{ID: "d9", Label: "Early", NodeID: "n1"}, v.Devices[0])
	})

	t.Run("replaces fields without duplicating", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		_, err := s.ApplyPatch(schemas.KindSender, "s1", map[string]any{"label": "Renamed", "format": "urn:x-nmos:format:video"})
		require.NoError(t, err)

		v := s.View()
		require.Len(t, v.Senders, 2)
		assert.Equal(t, schemas.ResourceSender{ID: "s1", Label: "Renamed", Format: "urn:x-nmos:format:video", DeviceID: "d1"}, v.Senders[0])
	})

	t.Run("skips unknown and ill-typed fields", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		s := New(zap.New(core))
		s.ApplySnapshot(baseSnapshot(), 0)

		_, err := s.ApplyPatch(schemas.KindNode, "n1", map[string]any{
			"label":         "Node 1b",
			"authorization": "yes",
			"colour":        "blue",
		})
		require.NoError(t, err)

		v := s.View()
		assert.Equal(t, "Node 1b", v.Nodes[0].Label)
		assert.False(t, v.Nodes[0].Authorized)
		assert.Equal(t, 2, logs.FilterMessage("Skipping patch field").Len())
	})

	t.Run("nil clears a field", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		_, err := s.ApplyPatch(schemas.KindDevice, "d1", map[string]any{"node_id": nil})
		require.NoError(t, err)
		assert.Empty(t, s.View().Devices[0].NodeID)
	})

	t.Run("partial subscription merges", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		_, err := s.ApplyPatch(schemas.KindReceiver, "r1", map[string]any{
			"subscription": map[string]any{"active": false},
		})
		require.NoError(t, err)

		r1, _ := s.View().Receiver("r1")
		assert.Equal(t, schemas.Subscription{SenderID: "s1", Active: false}, r1.Subscription)
	})

	t.Run("no applicable field does not bump the generation", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		before := s.Generation()

		gen, err := s.ApplyPatch(schemas.KindNode, "n1", map[string]any{"nope": 1})
		require.NoError(t, err)
		assert.Equal(t, before, gen)
	})

	t.Run("rejects missing id and unknown kind", func(t *testing.T) {
		s := New(zap.NewNop())
		_, err := s.ApplyPatch(schemas.KindNode, "", map[string]any{"label": "x"})
		assert.Error(t, err)
		_, err = s.ApplyPatch(schemas.ResourceKind("flow"), "f1", map[string]any{"label": "x"})
		assert.Error(t, err)
	})
}

func TestPatchSubscription(t *testing.T) {
	s := New(zap.NewNop())
	s.ApplySnapshot(baseSnapshot(), 0)

	gen, err := s.PatchSubscription("r2", schemas.SubscriptionPatch{SenderID: strPtr("s2"), Active: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)

	r2, _ := s.View().Receiver("r2")
	assert.Equal(t, schemas.Subscription{SenderID: "s2", Active: true}, r2.Subscription)
	assert.Equal(t, "Recorder", r2.Label)

	_, err = s.PatchSubscription("", schemas.SubscriptionPatch{})
	assert.Error(t, err)
}

func TestOverlay(t *testing.T) {
	target := schemas.Subscription{SenderID: "s2", Active: true}

	t.Run("stage composes at read time", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)

		s.Stage("r1", "cmd-1", target)

		v := s.View()
		r1, _ := v.Receiver("r1")
		assert.Equal(t, target, r1.Subscription)
		assert.Equal(t, OverlayState{CommandID: "cmd-1"}, v.Overlays["r1"])

		// The authoritative layer is untouched.
		auth, _ := s.receivers.get("r1")
		assert.Equal(t, "s1", auth.Subscription.SenderID)
	})

	t.Run("discard restores the last known-good value", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-1", target)

		s.Discard("r1", "cmd-1")

		r1, _ := s.View().Receiver("r1")
		assert.Equal(t, schemas.Subscription{SenderID: "s1", Active: true}, r1.Subscription)
	})

	t.Run("discard after a confirmed command restores that command's value", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-a", target)
		s.Confirm("r1", "cmd-a")

		s.Stage("r1", "cmd-b", schemas.Subscription{})
		r1, _ := s.View().Receiver("r1")
		assert.False(t, r1.Subscription.Active)

		s.Discard("r1", "cmd-b")

		v := s.View()
		r1, _ = v.Receiver("r1")
		assert.Equal(t, target, r1.Subscription)
		assert.Equal(t, OverlayState{CommandID: "cmd-a", Confirmed: true}, v.Overlays["r1"])
	})

	t.Run("fresher registry data replaces the restorable entry", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-a", target)
		s.Confirm("r1", "cmd-a")
		s.Stage("r1", "cmd-b", schemas.Subscription{})

		_, err := s.PatchSubscription("r1", schemas.SubscriptionPatch{SenderID: strPtr("s1")})
		require.NoError(t, err)
		s.Discard("r1", "cmd-b")

		v := s.View()
		assert.NotContains(t, v.Overlays, "r1")
		r1, _ := v.Receiver("r1")
		assert.Equal(t, "s1", r1.Subscription.SenderID)
	})

	t.Run("confirm and discard ignore foreign command ids", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-1", target)
		before := s.Generation()

		assert.Equal(t, before, s.Confirm("r1", "cmd-2"))
		assert.Equal(t, before, s.Discard("r1", "cmd-2"))
		assert.False(t, s.View().Overlays["r1"].Confirmed)
	})

	t.Run("confirmed entry is dropped by the next covering snapshot", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-1", target)
		s.Confirm("r1", "cmd-1")

		// A fetch that started before the confirmation keeps the overlay.
		s.ApplySnapshot(baseSnapshot(), 1)
		assert.Contains(t, s.View().Overlays, "r1")

		s.ApplySnapshot(baseSnapshot(), s.Generation())
		v := s.View()
		assert.NotContains(t, v.Overlays, "r1")
		r1, _ := v.Receiver("r1")
		assert.Equal(t, "s1", r1.Subscription.SenderID)
	})

	t.Run("pending entry outlives a snapshot", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-1", target)

		s.ApplySnapshot(baseSnapshot(), s.Generation())

		r1, _ := s.View().Receiver("r1")
		assert.Equal(t, target, r1.Subscription)
	})

	t.Run("push for the receiver drops a confirmed entry", func(t *testing.T) {
		s := New(zap.NewNop())
		s.ApplySnapshot(baseSnapshot(), 0)
		s.Stage("r1", "cmd-1", target)
		s.Confirm("r1", "cmd-1")

		_, err := s.PatchSubscription("r1", schemas.SubscriptionPatch{SenderID: strPtr("s2")})
		require.NoError(t, err)

		v := s.View()
		assert.NotContains(t, v.Overlays, "r1")
		r1, _ := v.Receiver("r1")
		assert.Equal(t, "s2", r1.Subscription.SenderID)
	})

	t.Run("every overlay change bumps the generation", func(t *testing.T) {
		s := New(zap.NewNop())
		g1 := s.Stage("r1", "cmd-1", target)
		g2 := s.Confirm("r1", "cmd-1")
		assert.Greater(t, g2, g1)
	})
}

func TestViewIsACopy(t *testing.T) {
	s := New(zap.NewNop())
	s.ApplySnapshot(baseSnapshot(), 0)

	v := s.View()
	v.Senders[0].Label = "mutated"

	again := s.View()
	assert.Equal(t, "Camera 1", again.Senders[0].Label)
}
