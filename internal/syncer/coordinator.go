// Package syncer keeps a local replica in sync with every known peer.
//
// The Coordinator owns one crdt.Document and one sync token per peer. Local
// edits are projected into a Store and gossiped to all peers; incoming sync
// messages are merged, projected and always answered, since one exchange is
// usually not enough to converge.
package syncer

import (
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"

	"jamsync/internal/crdt"
)

// Transport delivers a sync message to one peer.
type Transport interface {
	Send(peerID string, msg []byte) error
}

type outbound struct {
	peer string
	msg  []byte
}

// Coordinator drives the sync protocol for one local replica.
type Coordinator struct {
	mu        sync.Mutex
	doc       *crdt.Document
	tokens    map[string]*crdt.SyncToken
	version   uint64
	transport Transport
	store     *Store
	logger    *zap.Logger
}

// New returns a coordinator for doc that projects into store.
func New(doc *crdt.Document, transport Transport, store *Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewStore()
	}
	return &Coordinator{
		doc:       doc,
		tokens:    make(map[string]*crdt.SyncToken),
		transport: transport,
		store:     store,
		logger:    logger,
	}
}

// Document returns the current replica.
func (c *Coordinator) Document() *crdt.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Store returns the local projection.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Peers returns the ids of the peers with a live sync token.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// ApplyLocalChange edits the subtree under key, projects it into the store
// and pushes the change to every known peer.
func (c *Coordinator) ApplyLocalChange(key string, fn func(m *automerge.Map) error) error {
	c.mu.Lock()
	state, err := c.doc.Change(key, fn)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.version++
	version := c.version
	out := c.generateAll()
	c.mu.Unlock()

	c.store.install(version, state, []string{key})
	c.send(out)
	return nil
}

// OnPeerMessage merges a sync message from peerID and replies. Unknown peers
// get a fresh token.
func (c *Coordinator) OnPeerMessage(peerID string, msg []byte) {
	c.mu.Lock()
	tok, res := c.doc.ReceiveSyncMessage(c.tokens[peerID], msg)
	var (
		state   crdt.Snapshot
		version uint64
	)
	if res.Changed {
		state = c.doc.State()
		c.version++
		version = c.version
	}
	tok, reply := c.doc.GenerateSyncMessage(tok)
	c.tokens[peerID] = tok
	c.mu.Unlock()

	if res.Changed {
		c.project(version, state, res.Patches)
	}
	if reply != nil {
		c.send([]outbound{{peer: peerID, msg: reply}})
	}
}

// OnPeerConnect starts an exchange with peerID.
func (c *Coordinator) OnPeerConnect(peerID string) {
	c.mu.Lock()
	tok, msg := c.doc.GenerateSyncMessage(c.tokens[peerID])
	c.tokens[peerID] = tok
	c.mu.Unlock()

	c.logger.Debug("peer connected", zap.String("peer", peerID))
	if msg != nil {
		c.send([]outbound{{peer: peerID, msg: msg}})
	}
}

// OnPeerDisconnect forgets the sync state of peerID. The document is left
// untouched.
func (c *Coordinator) OnPeerDisconnect(peerID string) {
	c.mu.Lock()
	delete(c.tokens, peerID)
	c.mu.Unlock()
	c.logger.Debug("peer disconnected", zap.String("peer", peerID))
}

// RotateActor re-keys the local replica to the logical identity id and
// restarts the exchange with every peer.
func (c *Coordinator) RotateActor(id string) error {
	c.mu.Lock()
	if crdt.ActsFor(c.doc.ActorID(), id) {
		c.mu.Unlock()
		return nil
	}
	doc, err := c.doc.RotateActorIdentity(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.doc = doc
	for peer := range c.tokens {
		c.tokens[peer] = nil
	}
	out := c.generateAll()
	c.mu.Unlock()

	c.logger.Info("rotated actor identity", zap.String("actor", id))
	c.send(out)
	return nil
}

// generateAll must be called with c.mu held.
func (c *Coordinator) generateAll() []outbound {
	var out []outbound
	for peer, tok := range c.tokens {
		tok, msg := c.doc.GenerateSyncMessage(tok)
		c.tokens[peer] = tok
		if msg != nil {
			out = append(out, outbound{peer: peer, msg: msg})
		}
	}
	return out
}

func (c *Coordinator) project(version uint64, state crdt.Snapshot, patches []crdt.Patch) {
	if len(patches) == 0 {
		c.store.install(version, state, nil)
		return
	}
	seen := make(map[string]struct{}, len(patches))
	keys := make([]string, 0, len(patches))
	for _, p := range patches {
		if p.IsRoot() {
			c.store.install(version, state, nil)
			return
		}
		k := p.TopLevelKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.store.install(version, state, keys)
}

func (c *Coordinator) send(out []outbound) {
	for _, o := range out {
		if err := c.transport.Send(o.peer, o.msg); err != nil {
			c.logger.Warn("sync message not delivered", zap.String("peer", o.peer), zap.Error(err))
		}
	}
}
