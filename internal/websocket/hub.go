package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"jddb-backend/internal/document"
	"jddb-backend/internal/feed"
	"jddb-backend/internal/models"
	"jddb-backend/internal/ot"
	"jddb-backend/internal/session"
)

// SnapshotStore is the persistence collaborator: it durably stores document
// content and version so a session survives a restart.
type SnapshotStore interface {
	Load(ctx context.Context, documentID string) (content string, version int, found bool, err error)
	Save(ctx context.Context, documentID, content string, version int) error
}

// Options tunes connection and session behavior. Zero values fall back to
// production defaults.
type Options struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	IdleTimeout       time.Duration
	PresenceGrace     time.Duration
	TypingTTL         time.Duration
	SnapshotEvery     int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = 3
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	if o.PresenceGrace <= 0 {
		o.PresenceGrace = 45 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 2 * time.Second
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 20
	}
	return o
}

// Hub maps documents to live rooms and fans broadcasts out to their clients.
// Each room serializes all mutation of its own document; different documents
// are fully independent.
type Hub struct {
	opts     Options
	store    SnapshotStore
	pub      *feed.Publisher
	registry *session.Registry

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewHub(opts Options, store SnapshotStore, pub *feed.Publisher) *Hub {
	h := &Hub{
		opts:  opts.withDefaults(),
		store: store,
		pub:   pub,
		rooms: make(map[string]*room),
	}
	h.registry = session.NewRegistry(h, h.opts.TypingTTL, h.opts.PresenceGrace)
	return h
}

func (h *Hub) Registry() *session.Registry { return h.registry }

// PresenceChanged implements session.Notifier: every registry mutation is
// broadcast to the document's connected clients.
func (h *Hub) PresenceChanged(documentID string, p models.ParticipantSnapshot, status string) {
	typing := p.Typing
	h.broadcast(documentID, models.Message{
		Type:          models.TypePresence,
		DocumentID:    documentID,
		ParticipantID: p.ParticipantID,
		Role:          p.Role,
		Cursor:        p.Cursor,
		Typing:        &typing,
		Status:        status,
	}, nil)
}

func (h *Hub) broadcast(documentID string, msg models.Message, except *Client) {
	h.mu.RLock()
	r := h.rooms[documentID]
	h.mu.RUnlock()
	if r == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode broadcast for document %s: %v", documentID, err)
		return
	}
	r.broadcastBytes(payload, except)
}

// roomFor returns the live room for a document, creating and restoring it
// from the snapshot store on first use.
func (h *Hub) roomFor(documentID string) *room {
	h.mu.RLock()
	r := h.rooms[documentID]
	h.mu.RUnlock()
	if r != nil {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rooms[documentID]; r != nil {
		return r
	}

	doc := document.New(documentID)
	if h.store != nil {
		content, version, found, err := h.store.Load(context.Background(), documentID)
		if err != nil {
			log.Printf("Failed to load snapshot for document %s, starting empty: %v", documentID, err)
		} else if found {
			doc = document.Restore(documentID, content, version, nil)
		}
	}
	r = &room{id: documentID, hub: h, doc: doc, clients: make(map[*Client]bool)}
	h.rooms[documentID] = r
	log.Printf("Opened document session %s at version %d", documentID, doc.Version())
	return r
}

// closeRoom removes a room once its last client is gone and persists a final
// snapshot.
func (h *Hub) closeRoom(r *room) {
	h.mu.Lock()
	r.mu.Lock()
	if len(r.clients) > 0 || r.closed {
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	r.closed = true
	content, version := r.doc.Snapshot()
	delete(h.rooms, r.id)
	r.mu.Unlock()
	h.mu.Unlock()

	h.persist(r.id, content, version)
	log.Printf("Closed document session %s at version %d", r.id, version)
}

func (h *Hub) persist(documentID, content string, version int) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(context.Background(), documentID, content, version); err != nil {
		log.Printf("Failed to persist snapshot for document %s at version %d: %v", documentID, version, err)
	}
}

// DocumentSnapshot returns the live content and version of a document, if a
// session is open.
func (h *Hub) DocumentSnapshot(documentID string) (content string, version int, ok bool) {
	h.mu.RLock()
	r := h.rooms[documentID]
	h.mu.RUnlock()
	if r == nil {
		return "", 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	content, version = r.doc.Snapshot()
	return content, version, true
}

// History returns the committed entries after since for a live document.
func (h *Hub) History(documentID string, since int) ([]document.Committed, bool) {
	h.mu.RLock()
	r := h.rooms[documentID]
	h.mu.RUnlock()
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.doc.OpsSince(since)
	return entries, ok
}

// Stats reports open sessions and connected clients.
func (h *Hub) Stats() (documents, connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.rooms {
		r.mu.Lock()
		connections += len(r.clients)
		r.mu.Unlock()
	}
	return len(h.rooms), connections
}

var errRoomClosed = errors.New("document session closed")

// room owns one document's state. Every submit, catch-up and fan-out for the
// document goes through its mutex, so history can never interleave; the
// critical section is pure in-memory work and never touches the network.
type room struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	doc     *document.State
	clients map[*Client]bool
	closed  bool
	dirty   int
}

// join registers the client and builds its catch-up message under one lock,
// so no operation broadcast can slip in between the two.
func (r *room) join(c *Client, lastKnownVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRoomClosed
	}
	if lastKnownVersion > r.doc.Version() {
		return document.ErrFutureVersion
	}

	r.clients[c] = true

	catchup := models.Message{
		Type:         models.TypeSync,
		DocumentID:   r.id,
		Version:      r.doc.Version(),
		Participants: r.hub.registry.List(r.id),
	}
	if entries, ok := r.doc.OpsSince(lastKnownVersion); ok {
		for _, entry := range entries {
			catchup.Ops = append(catchup.Ops, entry.Ops...)
		}
	} else {
		// The catch-up window is gone; hand over the full content instead.
		catchup.Content = r.doc.Content()
		catchup.Resync = true
	}

	payload, err := json.Marshal(catchup)
	if err != nil {
		return err
	}
	r.hub.registry.SetLastSeen(r.id, c.participantID, catchup.Version)
	c.enqueue(payload)
	return nil
}

func (r *room) unregister(c *Client) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c] {
		delete(r.clients, c)
	}
	c.closeSend()
	return len(r.clients) == 0
}

// submit runs one operation through the document and, on success, enqueues
// the ack and the peer fan-out before releasing the lock. Commit and delivery
// are one atomic step: peers observe op frames in version order, and a
// concurrent join can never receive an operation its catch-up already
// included. Enqueueing is non-blocking, so the critical section stays short;
// snapshot writes are scheduled outside the lock so a slow database never
// stalls editing.
func (r *room) submit(c *Client, op ot.Operation) (document.Applied, error) {
	r.mu.Lock()
	applied, err := r.doc.Submit(op)
	if err != nil {
		r.mu.Unlock()
		return applied, err
	}

	if ack, aerr := json.Marshal(models.Message{
		Type:      models.TypeAck,
		OpID:      op.ID,
		Version:   applied.Version,
		Duplicate: applied.Duplicate,
	}); aerr == nil {
		c.trySend(ack)
	}

	var content string
	var version int
	persist := false
	if !applied.Duplicate {
		if payload, berr := json.Marshal(models.Message{
			Type:          models.TypeOp,
			DocumentID:    r.id,
			ParticipantID: op.AuthorID,
			Ops:           applied.Ops,
			Version:       applied.Version,
		}); berr == nil {
			for peer := range r.clients {
				if peer == c {
					continue
				}
				if !peer.trySend(payload) {
					delete(r.clients, peer)
				}
			}
		}
		r.dirty++
		if r.dirty >= r.hub.opts.SnapshotEvery {
			r.dirty = 0
			content, version = r.doc.Snapshot()
			persist = true
			if keep, ok := r.hub.registry.MinLastSeen(r.id); ok {
				// History before the oldest version any participant still
				// references can no longer be needed for transforms.
				r.doc.Compact(keep)
			}
		}
	}
	r.mu.Unlock()

	if persist {
		go r.hub.persist(r.id, content, version)
	}
	return applied, nil
}

func (r *room) broadcastBytes(payload []byte, except *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if c == except {
			continue
		}
		if !c.trySend(payload) {
			// A slow client is dropped rather than stalling the room.
			delete(r.clients, c)
		}
	}
}
