package websocket

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jddb-backend/internal/models"
	"jddb-backend/internal/ot"
)

type memStore struct {
	mu       sync.Mutex
	contents map[string]string
	versions map[string]int
}

func newMemStore() *memStore {
	return &memStore{contents: make(map[string]string), versions: make(map[string]int)}
}

func (m *memStore) Load(_ context.Context, documentID string) (string, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[documentID]
	return m.contents[documentID], v, ok, nil
}

func (m *memStore) Save(_ context.Context, documentID, content string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < m.versions[documentID] {
		return nil
	}
	m.contents[documentID] = content
	m.versions[documentID] = version
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *memStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	hub := NewHub(Options{}, store, nil)
	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(c, hub)
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub, store
}

func dial(t *testing.T, srv *httptest.Server, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if role != "" {
		url += "?role=" + role
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func join(t *testing.T, conn *websocket.Conn, documentID, participantID string) models.Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.Message{
		Type:          models.TypeJoin,
		DocumentID:    documentID,
		ParticipantID: participantID,
	}))
	return readUntil(t, conn, models.TypeSync)
}

// readUntil reads frames until one of the wanted type arrives, skipping
// interleaved presence traffic.
func readUntil(t *testing.T, conn *websocket.Conn, want string) models.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg models.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func insertOp(documentID, authorID, id string, baseVersion, position int, text string) *ot.Operation {
	return &ot.Operation{
		ID:          id,
		DocumentID:  documentID,
		BaseVersion: baseVersion,
		Kind:        ot.KindInsert,
		Position:    position,
		Text:        text,
		AuthorID:    authorID,
	}
}

func TestJoinSyncOpAndBroadcast(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	docID := uuid.NewString()

	alice := dial(t, srv, "")
	sync := join(t, alice, docID, "alice")
	assert.Equal(t, 0, sync.Version)
	assert.Empty(t, sync.Ops)
	assert.Len(t, sync.Participants, 1)

	bob := dial(t, srv, "")
	sync = join(t, bob, docID, "bob")
	assert.Equal(t, 0, sync.Version)
	assert.Len(t, sync.Participants, 2)

	// Alice sees bob arrive.
	presence := readUntil(t, alice, models.TypePresence)
	assert.Equal(t, "bob", presence.ParticipantID)
	assert.Equal(t, models.StatusJoined, presence.Status)

	opID := uuid.NewString()
	require.NoError(t, alice.WriteJSON(models.Message{
		Type: models.TypeOp,
		Op:   insertOp(docID, "alice", opID, 0, 0, "Hello"),
	}))

	ack := readUntil(t, alice, models.TypeAck)
	assert.Equal(t, opID, ack.OpID)
	assert.Equal(t, 1, ack.Version)
	assert.False(t, ack.Duplicate)

	applied := readUntil(t, bob, models.TypeOp)
	assert.Equal(t, "alice", applied.ParticipantID)
	assert.Equal(t, 1, applied.Version)
	require.Len(t, applied.Ops, 1)
	assert.Equal(t, "Hello", applied.Ops[0].Text)

	content, version, ok := hub.DocumentSnapshot(docID)
	require.True(t, ok)
	assert.Equal(t, "Hello", content)
	assert.Equal(t, 1, version)
}

func TestDuplicateOpAcked(t *testing.T) {
	srv, _, _ := newTestServer(t)
	docID := uuid.NewString()

	alice := dial(t, srv, "")
	join(t, alice, docID, "alice")

	op := insertOp(docID, "alice", uuid.NewString(), 0, 0, "x")
	require.NoError(t, alice.WriteJSON(models.Message{Type: models.TypeOp, Op: op}))
	first := readUntil(t, alice, models.TypeAck)
	assert.Equal(t, 1, first.Version)

	require.NoError(t, alice.WriteJSON(models.Message{Type: models.TypeOp, Op: op}))
	second := readUntil(t, alice, models.TypeAck)
	assert.Equal(t, 1, second.Version)
	assert.True(t, second.Duplicate)
}

func TestViewerCannotEdit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	docID := uuid.NewString()

	viewer := dial(t, srv, "viewer")
	join(t, viewer, docID, "carol")

	require.NoError(t, viewer.WriteJSON(models.Message{
		Type: models.TypeOp,
		Op:   insertOp(docID, "carol", uuid.NewString(), 0, 0, "nope"),
	}))

	errMsg := readUntil(t, viewer, models.TypeError)
	assert.Equal(t, models.CodePermissionDenied, errMsg.Code)

	// Connection stays usable after the rejection.
	require.NoError(t, viewer.WriteJSON(models.Message{Type: models.TypePing}))
	readUntil(t, viewer, models.TypePong)
}

func TestOpBeforeJoinClosesConnection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(models.Message{
		Type: models.TypeOp,
		Op:   insertOp(uuid.NewString(), "mallory", uuid.NewString(), 0, 0, "hi"),
	}))

	errMsg := readUntil(t, conn, models.TypeError)
	assert.Equal(t, models.CodeProtocol, errMsg.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.Message
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestLateJoinerCatchesUpFromOps(t *testing.T) {
	srv, _, _ := newTestServer(t)
	docID := uuid.NewString()

	alice := dial(t, srv, "")
	join(t, alice, docID, "alice")

	require.NoError(t, alice.WriteJSON(models.Message{
		Type: models.TypeOp,
		Op:   insertOp(docID, "alice", uuid.NewString(), 0, 0, "Hello"),
	}))
	readUntil(t, alice, models.TypeAck)

	bob := dial(t, srv, "")
	require.NoError(t, bob.WriteJSON(models.Message{
		Type:             models.TypeJoin,
		DocumentID:       docID,
		ParticipantID:    "bob",
		LastKnownVersion: 0,
	}))
	sync := readUntil(t, bob, models.TypeSync)
	assert.Equal(t, 1, sync.Version)
	assert.False(t, sync.Resync)
	require.Len(t, sync.Ops, 1)
	assert.Equal(t, "Hello", sync.Ops[0].Text)
}

func TestJoinRejectsInvalidDocumentID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(models.Message{
		Type:          models.TypeJoin,
		DocumentID:    "not-a-uuid",
		ParticipantID: "alice",
	}))

	errMsg := readUntil(t, conn, models.TypeError)
	assert.Equal(t, models.CodeProtocol, errMsg.Code)
}

func TestJoinAheadOfDocumentRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	docID := uuid.NewString()

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(models.Message{
		Type:             models.TypeJoin,
		DocumentID:       docID,
		ParticipantID:    "alice",
		LastKnownVersion: 5,
	}))

	errMsg := readUntil(t, conn, models.TypeError)
	assert.Equal(t, models.CodeProtocol, errMsg.Code)
}

func TestBroadcastsArriveInCommitOrder(t *testing.T) {
	srv, _, _ := newTestServer(t)
	docID := uuid.NewString()

	observer := dial(t, srv, "viewer")
	join(t, observer, docID, "observer")

	const writers = 3
	const opsPerWriter = 40

	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		conn := dial(t, srv, "")
		name := fmt.Sprintf("writer-%d", w)
		join(t, conn, docID, name)

		go func(conn *websocket.Conn, name string) {
			base := 0
			for i := 0; i < opsPerWriter; i++ {
				err := conn.WriteJSON(models.Message{
					Type: models.TypeOp,
					Op:   insertOp(docID, name, uuid.NewString(), base, 0, "x"),
				})
				if err != nil {
					errs <- err
					return
				}
				for {
					var msg models.Message
					conn.SetReadDeadline(time.Now().Add(5 * time.Second))
					if err := conn.ReadJSON(&msg); err != nil {
						errs <- err
						return
					}
					if msg.Type == models.TypeAck {
						base = msg.Version
						break
					}
				}
			}
			errs <- nil
		}(conn, name)
	}

	// Every op frame the observer sees must carry a strictly higher version
	// than the one before it.
	last := 0
	for i := 0; i < writers*opsPerWriter; i++ {
		msg := readUntil(t, observer, models.TypeOp)
		require.Greater(t, msg.Version, last, "op frames delivered out of commit order")
		last = msg.Version
	}
	for w := 0; w < writers; w++ {
		require.NoError(t, <-errs)
	}
}

func TestJoinerBehindCompactedWindowGetsResync(t *testing.T) {
	srv, _, store := newTestServer(t)
	docID := uuid.NewString()

	// A snapshot from an earlier run: the room restores at version 5 with no
	// retained history, so version 2 is behind the catch-up window.
	require.NoError(t, store.Save(context.Background(), docID, "Draft body", 5))

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(models.Message{
		Type:             models.TypeJoin,
		DocumentID:       docID,
		ParticipantID:    "alice",
		LastKnownVersion: 2,
	}))

	sync := readUntil(t, conn, models.TypeSync)
	assert.True(t, sync.Resync)
	assert.Equal(t, "Draft body", sync.Content)
	assert.Equal(t, 5, sync.Version)
	assert.Empty(t, sync.Ops)
}
