// Package crdt holds the replicated document shared by collaborating peers.
//
// A Document wraps an automerge document. Callers only touch it through
// Change and the sync message exchange; the materialized state is exposed as
// immutable Snapshots.
package crdt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyKey is returned by Change when no top-level key is given.
var ErrEmptyKey = errors.New("crdt: empty key")

// Snapshot is the materialized document tree. Snapshots are never modified
// after they are returned; treat them as read-only.
type Snapshot map[string]any

// SyncToken is the continuation state of the sync protocol with one peer.
// Tokens are bound to the document that created them and are not
// transferable between peers.
type SyncToken struct {
	doc   *automerge.Doc
	state *automerge.SyncState
}

// Result is the outcome of consuming a sync message.
type Result struct {
	Changed bool
	Patches []Patch
}

// Option configures a Document.
type Option func(*Document)

// WithLogger sets the logger used to report absorbed sync errors.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// Document is one replica of the shared state.
type Document struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	state  Snapshot
	logger *zap.Logger
}

// New creates an empty document. A non-empty actor is the logical identity
// the local edits are stamped with (see ActorFor), otherwise a random actor
// is generated.
func New(actor string, opts ...Option) (*Document, error) {
	d := &Document{
		doc:    automerge.New(),
		state:  Snapshot{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if actor != "" {
		if err := d.doc.SetActorID(ActorFor(actor)); err != nil {
			return nil, fmt.Errorf("set actor %q: %w", actor, err)
		}
	}
	return d, nil
}

// ActorID returns the hex encoded identity stamped on local edits.
func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// State returns the current snapshot.
func (d *Document) State() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Change applies fn to the map stored under the top-level key, creating it
// when missing, and returns the new snapshot. Only the subtree under key is
// re-materialized; the other subtrees are shared with the previous snapshot.
// fn runs against a scratch copy that is merged only when fn succeeds, so a
// failed change leaves nothing behind to sync.
func (d *Document) Change(key string, fn func(m *automerge.Map) error) (Snapshot, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	scratch, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork document: %w", err)
	}
	if err := scratch.SetActorID(d.doc.ActorID()); err != nil {
		return nil, fmt.Errorf("set scratch actor: %w", err)
	}
	m, err := subtree(scratch, key)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, fmt.Errorf("change %s: %w", key, err)
	}
	if _, err := d.doc.Merge(scratch); err != nil {
		return nil, fmt.Errorf("merge %s: %w", key, err)
	}

	v, err := d.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	exported, err := export(v)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", key, err)
	}
	next := make(Snapshot, len(d.state)+1)
	for k, v := range d.state {
		next[k] = v
	}
	next[key] = exported
	d.state = next
	return next, nil
}

func subtree(doc *automerge.Doc, key string) (*automerge.Map, error) {
	v, err := doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if v.Kind() != automerge.KindMap {
		if err := doc.Path(key).Set(map[string]any{}); err != nil {
			return nil, fmt.Errorf("create %s: %w", key, err)
		}
		if v, err = doc.Path(key).Get(); err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
	}
	return v.Map(), nil
}

// GenerateSyncMessage returns the next message to send to the peer tracked
// by tok, or nil when the peer already has everything. A nil tok starts a
// new exchange.
func (d *Document) GenerateSyncMessage(tok *SyncToken) (*SyncToken, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok = d.bind(tok)
	msg, valid := tok.state.GenerateMessage()
	if !valid || msg == nil {
		return tok, nil
	}
	return tok, msg.Bytes()
}

// ReceiveSyncMessage merges the changes carried by msg. It never fails: a
// message that cannot be decoded is logged and the original token is
// returned together with an empty Result.
func (d *Document) ReceiveSyncMessage(tok *SyncToken, msg []byte) (*SyncToken, Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(msg) == 0 {
		d.logger.Warn("ignoring empty sync message")
		return tok, Result{}
	}
	bound := d.bind(tok)
	before := d.doc.Heads()
	if _, err := bound.state.ReceiveMessage(msg); err != nil {
		d.logger.Warn("ignoring malformed sync message", zap.Int("size", len(msg)), zap.Error(err))
		return tok, Result{}
	}
	if sameHeads(before, d.doc.Heads()) {
		return bound, Result{}
	}

	next, err := d.exportRoot()
	if err != nil {
		// The merge itself succeeded; the snapshot catches up on the next
		// successful export.
		d.logger.Error("materialize merged document", zap.Error(err))
		return bound, Result{Changed: true}
	}
	patches := diff(d.state, next)
	d.state = next
	return bound, Result{Changed: true, Patches: patches}
}

// RotateActorIdentity returns a copy of the document whose future edits are
// stamped with id. Content and history are preserved.
func (d *Document) RotateActorIdentity(id string) (*Document, error) {
	if id == "" {
		return nil, errors.New("crdt: empty actor id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork document: %w", err)
	}
	if err := fork.SetActorID(ActorFor(id)); err != nil {
		return nil, fmt.Errorf("set actor %q: %w", id, err)
	}
	return &Document{doc: fork, state: d.state, logger: d.logger}, nil
}

// bind returns tok if it belongs to this document, or a fresh token.
func (d *Document) bind(tok *SyncToken) *SyncToken {
	if tok != nil && tok.doc == d.doc {
		return tok
	}
	return &SyncToken{doc: d.doc, state: automerge.NewSyncState(d.doc)}
}

func (d *Document) exportRoot() (Snapshot, error) {
	values, err := d.doc.RootMap().Values()
	if err != nil {
		return nil, err
	}
	out := make(Snapshot, len(values))
	for k, v := range values {
		if out[k], err = export(v); err != nil {
			return nil, fmt.Errorf("export %s: %w", k, err)
		}
	}
	return out, nil
}

// export copies an automerge value into plain Go values.
func export(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindVoid:
		return nil, nil
	case automerge.KindMap:
		values, err := v.Map().Values()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(values))
		for k, child := range values {
			if out[k], err = export(child); err != nil {
				return nil, err
			}
		}
		return out, nil
	case automerge.KindList:
		values, err := v.List().Values()
		if err != nil {
			return nil, err
		}
		out := make([]any, len(values))
		for i, child := range values {
			if out[i], err = export(child); err != nil {
				return nil, err
			}
		}
		return out, nil
	case automerge.KindText:
		return v.Text().Get()
	case automerge.KindCounter:
		return v.Counter().Get()
	default:
		return v.Interface(), nil
	}
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}

// ActorFor returns a new actor id for the logical identity id: the hex of id
// followed by random bytes unique to the calling replica. Two replicas of one
// session never share an actor, so their change sequences cannot collide.
func ActorFor(id string) string {
	suffix := uuid.New()
	return hex.EncodeToString([]byte(id)) + hex.EncodeToString(suffix[:])
}

// ActsFor reports whether actor was derived by ActorFor from id.
func ActsFor(actor, id string) bool {
	prefix := hex.EncodeToString([]byte(id))
	return len(actor) == len(prefix)+2*len(uuid.UUID{}) && strings.HasPrefix(actor, prefix)
}
