package syncer

import (
	"errors"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"jamsync/internal/crdt"
)

type packet struct {
	from, to string
	msg      []byte
}

// network queues messages between coordinators and delivers them when
// drained, so every test controls exactly when a round trip happens.
type network struct {
	queue []packet
	nodes map[string]*Coordinator
	drop  map[string]bool
}

type endpoint struct {
	net  *network
	self string
}

func (e endpoint) Send(peer string, msg []byte) error {
	if e.net.drop[peer] {
		return errors.New("peer unreachable")
	}
	e.net.queue = append(e.net.queue, packet{from: e.self, to: peer, msg: msg})
	return nil
}

func newNetwork() *network {
	return &network{nodes: make(map[string]*Coordinator), drop: make(map[string]bool)}
}

func (n *network) add(t *testing.T, id string) *Coordinator {
	t.Helper()
	return n.addWithActor(t, id, id)
}

func (n *network) addWithActor(t *testing.T, id, actor string) *Coordinator {
	t.Helper()
	doc, err := crdt.New(actor)
	require.NoError(t, err)
	c := New(doc, endpoint{net: n, self: id}, NewStore(), zaptest.NewLogger(t))
	n.nodes[id] = c
	return c
}

func (n *network) drain(t *testing.T) {
	t.Helper()
	for i := 0; len(n.queue) > 0; i++ {
		require.Less(t, i, 1000, "sync did not quiesce")
		p := n.queue[0]
		n.queue = n.queue[1:]
		n.nodes[p.to].OnPeerMessage(p.from, p.msg)
	}
}

func connect(a, b *Coordinator, aID, bID string) {
	a.OnPeerConnect(bID)
	b.OnPeerConnect(aID)
}

func bpm(t *testing.T, state crdt.Snapshot) any {
	t.Helper()
	m, ok := state["metronome"].(map[string]any)
	require.True(t, ok, "metronome missing from %v", state)
	return m["bpm"]
}

func TestLocalChangeReachesPeer(t *testing.T) {
	n := newNetwork()
	p1 := n.add(t, "peer1")
	p2 := n.add(t, "peer2")
	connect(p1, p2, "peer1", "peer2")
	n.drain(t)

	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 140)
	}))
	n.drain(t)

	assert.EqualValues(t, 140, bpm(t, p2.Document().State()))
	assert.EqualValues(t, 140, bpm(t, p2.Store().Snapshot()))
	assert.EqualValues(t, 140, bpm(t, p1.Store().Snapshot()))
}

func TestLateJoinerIsSyncedWithoutConnectEvent(t *testing.T) {
	n := newNetwork()
	p1 := n.add(t, "peer1")
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 99)
	}))

	late := n.add(t, "late")
	late.OnPeerConnect("peer1")
	n.drain(t)

	assert.Equal(t, []string{"late"}, p1.Peers())
	assert.EqualValues(t, 99, bpm(t, late.Store().Snapshot()))
}

func TestFullMeshConverges(t *testing.T) {
	n := newNetwork()
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		n.add(t, id)
	}
	for _, id := range ids {
		for _, other := range ids {
			if id != other {
				n.nodes[id].OnPeerConnect(other)
			}
		}
	}
	n.drain(t)

	require.NoError(t, n.nodes["a"].ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 120)
	}))
	require.NoError(t, n.nodes["c"].ApplyLocalChange("recording", func(m *automerge.Map) error {
		return m.Set("armed", true)
	}))
	n.drain(t)

	want := n.nodes["a"].Document().State()
	for _, id := range ids {
		assert.Equal(t, want, n.nodes[id].Document().State(), id)
		assert.Equal(t, want, n.nodes[id].Store().Snapshot(), id)
	}
}

func TestProjectionReplacesOnlyChangedKeys(t *testing.T) {
	n := newNetwork()
	p1 := n.add(t, "peer1")
	p2 := n.add(t, "peer2")
	connect(p1, p2, "peer1", "peer2")
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 100)
	}))
	require.NoError(t, p1.ApplyLocalChange("recording", func(m *automerge.Map) error {
		return m.Set("take", 1)
	}))
	n.drain(t)

	var updates [][]string
	p2.Store().Subscribe(func(_ crdt.Snapshot, keys []string) {
		updates = append(updates, keys)
	})
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 101)
	}))
	n.drain(t)

	require.Len(t, updates, 1)
	assert.Equal(t, []string{"metronome"}, updates[0])
}

func TestDisconnectDiscardsTokenOnly(t *testing.T) {
	n := newNetwork()
	p1 := n.add(t, "peer1")
	p2 := n.add(t, "peer2")
	connect(p1, p2, "peer1", "peer2")
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 80)
	}))
	n.drain(t)
	state := p2.Document().State()

	p2.OnPeerDisconnect("peer1")
	assert.Empty(t, p2.Peers())
	assert.Equal(t, state, p2.Document().State())
}

func TestUndeliverableMessagesAreNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	n := newNetwork()
	doc, err := crdt.New("peer1")
	require.NoError(t, err)
	p1 := New(doc, endpoint{net: n, self: "peer1"}, nil, zap.New(core))
	n.nodes["peer1"] = p1
	p2 := n.add(t, "peer2")
	connect(p1, p2, "peer1", "peer2")
	n.drain(t)

	n.drop["peer2"] = true
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 60)
	}))
	assert.Equal(t, 1, logs.FilterMessage("sync message not delivered").Len())

	// a reconnect restarts the exchange and heals the gap
	n.drop["peer2"] = false
	p1.OnPeerDisconnect("peer2")
	p2.OnPeerDisconnect("peer1")
	connect(p1, p2, "peer1", "peer2")
	n.drain(t)
	assert.EqualValues(t, 60, bpm(t, p2.Document().State()))
}

func TestMutationErrorIsReturned(t *testing.T) {
	n := newNetwork()
	p1 := n.add(t, "peer1")
	p2 := n.add(t, "peer2")
	connect(p1, p2, "peer1", "peer2")
	n.drain(t)

	boom := errors.New("boom")
	err := p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		if err := m.Set("bpm", 999); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, n.queue)

	// The next exchange carries no trace of the failed edit.
	p1.OnPeerDisconnect("peer2")
	p2.OnPeerDisconnect("peer1")
	connect(p1, p2, "peer1", "peer2")
	n.drain(t)
	assert.Empty(t, p1.Store().Snapshot())
	assert.Empty(t, p2.Document().State())
	assert.Empty(t, p2.Store().Snapshot())
}

func TestStaleProjectionIsDropped(t *testing.T) {
	s := NewStore()
	v1 := crdt.Snapshot{"metronome": map[string]any{"bpm": int64(100)}}
	v2 := crdt.Snapshot{"metronome": map[string]any{"bpm": int64(101)}}
	v3 := crdt.Snapshot{
		"metronome": map[string]any{"bpm": int64(101)},
		"recording": map[string]any{"take": int64(1)},
	}
	var calls [][]string
	s.Subscribe(func(_ crdt.Snapshot, keys []string) { calls = append(calls, keys) })

	s.install(1, v1, []string{"metronome"})
	s.install(3, v3, []string{"recording"})
	s.install(2, v2, []string{"metronome"})

	assert.Equal(t, v3, s.Snapshot())
	require.Len(t, calls, 2)
	assert.Nil(t, calls[1], "a skipped version replaces the whole projection")
}

func TestRotateActorKeepsSyncing(t *testing.T) {
	n := newNetwork()
	p1 := n.addWithActor(t, "peer1", "anonymous")
	p2 := n.add(t, "peer2")
	connect(p1, p2, "peer1", "peer2")
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 111)
	}))
	n.drain(t)
	before := p1.Document()

	require.NoError(t, p1.RotateActor("session-1"))
	n.drain(t)
	assert.NotSame(t, before, p1.Document())
	assert.True(t, crdt.ActsFor(p1.Document().ActorID(), "session-1"))
	assert.Equal(t, before.State(), p1.Document().State())

	require.NoError(t, p1.RotateActor("session-1"))
	require.NoError(t, p1.ApplyLocalChange("metronome", func(m *automerge.Map) error {
		return m.Set("bpm", 112)
	}))
	n.drain(t)
	assert.EqualValues(t, 112, bpm(t, p2.Document().State()))
}
