package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jddb-backend/internal/models"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(s), nil
	case "":
		return RoleEditor, nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// Connection states tracked per participant.
const (
	StateConnecting   = "connecting"
	StateActive       = "active"
	StateIdle         = "idle"
	StateDisconnected = "disconnected"
)

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Notifier receives presence broadcasts on every registry mutation. The
// gateway implements it and fans the change out to connected peers.
type Notifier interface {
	PresenceChanged(documentID string, p models.ParticipantSnapshot, status string)
}

type participant struct {
	id              string
	role            Role
	cursor          *int
	typing          bool
	lastSeenVersion int
	state           string
	typingTimer     *time.Timer
	removeTimer     *time.Timer
}

func (p *participant) snapshot() models.ParticipantSnapshot {
	return models.ParticipantSnapshot{
		ParticipantID:   p.id,
		Role:            string(p.role),
		Cursor:          p.cursor,
		Typing:          p.typing,
		LastSeenVersion: p.lastSeenVersion,
		ConnectionState: p.state,
	}
}

// Registry tracks the participants of every live document session: role,
// cursor, typing state and connection health. A dropped participant is kept
// for a grace period so a quick reconnect keeps its role and cursor.
type Registry struct {
	mu        sync.Mutex
	docs      map[string]map[string]*participant
	notifier  Notifier
	typingTTL time.Duration
	grace     time.Duration
}

func NewRegistry(notifier Notifier, typingTTL, grace time.Duration) *Registry {
	return &Registry{
		docs:      make(map[string]map[string]*participant),
		notifier:  notifier,
		typingTTL: typingTTL,
		grace:     grace,
	}
}

// Join adds a participant to a document session, or revives one still inside
// its disconnect grace period, in which case the previous role and cursor are
// kept and the requested role is ignored.
func (r *Registry) Join(documentID, participantID string, role Role) models.ParticipantSnapshot {
	r.mu.Lock()
	doc := r.docs[documentID]
	if doc == nil {
		doc = make(map[string]*participant)
		r.docs[documentID] = doc
	}
	p, rejoined := doc[participantID]
	if rejoined {
		if p.removeTimer != nil {
			p.removeTimer.Stop()
			p.removeTimer = nil
		}
	} else {
		p = &participant{id: participantID, role: role}
		doc[participantID] = p
	}
	p.state = StateActive
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusJoined)
	return snap
}

// Leave removes a participant immediately, with no grace period.
func (r *Registry) Leave(documentID, participantID string) {
	r.mu.Lock()
	p := r.remove(documentID, participantID)
	if p == nil {
		r.mu.Unlock()
		return
	}
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusLeft)
}

// Disconnect marks a participant as disconnected and schedules removal after
// the grace period unless it rejoins first.
func (r *Registry) Disconnect(documentID, participantID string) {
	r.mu.Lock()
	p := r.find(documentID, participantID)
	if p == nil {
		r.mu.Unlock()
		return
	}
	p.state = StateDisconnected
	r.clearTyping(p)
	if p.removeTimer != nil {
		p.removeTimer.Stop()
	}
	p.removeTimer = time.AfterFunc(r.grace, func() {
		r.expire(documentID, participantID)
	})
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusUpdated)
}

func (r *Registry) expire(documentID, participantID string) {
	r.mu.Lock()
	p := r.find(documentID, participantID)
	if p == nil || p.state != StateDisconnected {
		r.mu.Unlock()
		return
	}
	r.remove(documentID, participantID)
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusLeft)
}

// UpdatePresence applies a cursor or typing change. A typing=true update arms
// a server-side debounce that clears the flag after the inactivity window, so
// a vanished client cannot leave a stale typing indicator behind.
func (r *Registry) UpdatePresence(documentID, participantID string, cursor *int, typing *bool) error {
	r.mu.Lock()
	p := r.find(documentID, participantID)
	if p == nil {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	if cursor != nil {
		p.cursor = cursor
	}
	if typing != nil {
		if *typing {
			p.typing = true
			if p.typingTimer != nil {
				p.typingTimer.Stop()
			}
			p.typingTimer = time.AfterFunc(r.typingTTL, func() {
				r.expireTyping(documentID, participantID)
			})
		} else {
			r.clearTyping(p)
		}
	}
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusUpdated)
	return nil
}

func (r *Registry) expireTyping(documentID, participantID string) {
	r.mu.Lock()
	p := r.find(documentID, participantID)
	if p == nil || !p.typing {
		r.mu.Unlock()
		return
	}
	p.typing = false
	p.typingTimer = nil
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusUpdated)
}

// SetRole changes a participant's role. Only an owner may promote or demote.
func (r *Registry) SetRole(documentID, actorID, targetID string, role Role) error {
	r.mu.Lock()
	actor := r.find(documentID, actorID)
	if actor == nil {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	if actor.role != RoleOwner {
		r.mu.Unlock()
		return fmt.Errorf("%w: role change requires owner", ErrPermissionDenied)
	}
	target := r.find(documentID, targetID)
	if target == nil {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	target.role = role
	snap := target.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusUpdated)
	return nil
}

// Role returns a participant's current role.
func (r *Registry) Role(documentID, participantID string) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(documentID, participantID)
	if p == nil {
		return "", false
	}
	return p.role, true
}

// SetLastSeen records the latest document version a participant has observed.
func (r *Registry) SetLastSeen(documentID, participantID string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.find(documentID, participantID); p != nil {
		p.lastSeenVersion = version
	}
}

// MarkActive and MarkIdle track connection-state transitions for the gateway.
func (r *Registry) MarkActive(documentID, participantID string) {
	r.setState(documentID, participantID, StateActive)
}

func (r *Registry) MarkIdle(documentID, participantID string) {
	r.setState(documentID, participantID, StateIdle)
}

func (r *Registry) setState(documentID, participantID, state string) {
	r.mu.Lock()
	p := r.find(documentID, participantID)
	if p == nil || p.state == state || p.state == StateDisconnected {
		r.mu.Unlock()
		return
	}
	p.state = state
	snap := p.snapshot()
	r.mu.Unlock()

	r.notify(documentID, snap, models.StatusUpdated)
}

// List returns a snapshot of every participant in a document session, ordered
// by participant id.
func (r *Registry) List(documentID string) []models.ParticipantSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.docs[documentID]
	out := make([]models.ParticipantSnapshot, 0, len(doc))
	for _, p := range doc {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// MinLastSeen returns the lowest document version any participant of the
// session still references, including participants inside their disconnect
// grace period. ok is false when the session has no participants.
func (r *Registry) MinLastSeen(documentID string) (version int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.docs[documentID] {
		if !ok || p.lastSeenVersion < version {
			version = p.lastSeenVersion
			ok = true
		}
	}
	return version, ok
}

// Count returns the number of participants across all document sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, doc := range r.docs {
		n += len(doc)
	}
	return n
}

func (r *Registry) find(documentID, participantID string) *participant {
	return r.docs[documentID][participantID]
}

func (r *Registry) remove(documentID, participantID string) *participant {
	doc := r.docs[documentID]
	p := doc[participantID]
	if p == nil {
		return nil
	}
	if p.typingTimer != nil {
		p.typingTimer.Stop()
	}
	if p.removeTimer != nil {
		p.removeTimer.Stop()
	}
	delete(doc, participantID)
	if len(doc) == 0 {
		delete(r.docs, documentID)
	}
	return p
}

func (r *Registry) clearTyping(p *participant) {
	p.typing = false
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
}

func (r *Registry) notify(documentID string, snap models.ParticipantSnapshot, status string) {
	if r.notifier != nil {
		r.notifier.PresenceChanged(documentID, snap, status)
	}
}
