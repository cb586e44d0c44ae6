package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jddb-backend/internal/document"
	"jddb-backend/internal/models"
	"jddb-backend/internal/ot"
	"jddb-backend/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one participant connection. The read pump drives the protocol;
// the write pump owns all writes to the socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Set by a successful join.
	room          *room
	documentID    string
	participantID string
	role          session.Role

	left      bool // explicit leave: skip the disconnect grace period
	idleTimer *time.Timer

	sendMu     sync.Mutex
	sendClosed bool
}

// HandleWebSocket upgrades the request and starts the connection's pumps. The
// surrounding system authenticates the participant before this point; the
// initial role arrives with the upgrade request.
func HandleWebSocket(c *gin.Context, hub *Hub) {
	role, err := session.ParseRole(c.Query("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		role: role,
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer c.teardown()

	pongWait := c.hub.opts.HeartbeatInterval * time.Duration(c.hub.opts.MissedHeartbeats)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(models.CodeValidation, "malformed message")
			continue
		}

		c.touch()

		if c.room == nil && msg.Type != models.TypeJoin {
			c.sendError(models.CodeProtocol, "first message must be join")
			break
		}

		ok := true
		switch msg.Type {
		case models.TypeJoin:
			ok = c.handleJoin(msg)
		case models.TypeOp:
			ok = c.handleOp(msg)
		case models.TypePresence:
			c.handlePresence(msg)
		case models.TypeRole:
			c.handleRole(msg)
		case models.TypeLeave:
			c.left = true
			ok = false
		case models.TypePing:
			c.sendMessage(models.Message{Type: models.TypePong})
		case models.TypePong:
			// Protocol-level keepalive from the client; nothing to do.
		default:
			c.sendError(models.CodeValidation, "unknown message type: "+msg.Type)
		}
		if !ok {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.writeFrame(message); err != nil {
				return
			}

			// Drain the backlog in the same wakeup. One frame per message:
			// a frame carries exactly one JSON value.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message, ok = <-c.send
				if !ok {
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.writeFrame(message); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(message []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

func (c *Client) handleJoin(msg models.Message) bool {
	if c.room != nil {
		c.sendError(models.CodeProtocol, "already joined")
		return false
	}
	if _, err := uuid.Parse(msg.DocumentID); err != nil {
		c.sendError(models.CodeProtocol, "invalid document id")
		return false
	}
	if msg.ParticipantID == "" {
		c.sendError(models.CodeProtocol, "missing participant id")
		return false
	}

	c.documentID = msg.DocumentID
	c.participantID = msg.ParticipantID
	c.hub.registry.Join(c.documentID, c.participantID, c.role)

	for {
		r := c.hub.roomFor(c.documentID)
		err := r.join(c, msg.LastKnownVersion)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			c.hub.registry.Leave(c.documentID, c.participantID)
			c.hub.closeRoom(r)
			if errors.Is(err, document.ErrFutureVersion) {
				c.sendError(models.CodeProtocol, "last known version is ahead of document")
			} else {
				log.Printf("Join failed for participant %s on document %s: %v", c.participantID, c.documentID, err)
			}
			return false
		}
		c.room = r
		break
	}
	c.touch()

	log.Printf("Participant %s joined document %s as %s", c.participantID, c.documentID, c.role)
	return true
}

func (c *Client) handleOp(msg models.Message) bool {
	if msg.Op == nil {
		c.sendError(models.CodeValidation, "missing operation")
		return true
	}
	if role, _ := c.hub.registry.Role(c.documentID, c.participantID); role == session.RoleViewer {
		c.sendError(models.CodePermissionDenied, "viewers cannot edit")
		return true
	}

	op := *msg.Op
	if op.DocumentID == "" {
		op.DocumentID = c.documentID
	}
	if op.DocumentID != c.documentID {
		c.sendError(models.CodeValidation, "operation targets a different document")
		return true
	}
	if op.AuthorID != c.participantID {
		c.sendError(models.CodeValidation, "operation author does not match participant")
		return true
	}

	applied, err := c.room.submit(c, op)
	if err != nil {
		var verr *ot.ValidationError
		switch {
		case errors.As(err, &verr):
			c.sendError(models.CodeValidation, verr.Error())
			return true
		case errors.Is(err, document.ErrFutureVersion), errors.Is(err, document.ErrStaleVersion):
			c.sendError(models.CodeProtocol, err.Error())
			return false
		default:
			c.sendError(models.CodeValidation, err.Error())
			return true
		}
	}

	// The room acked and fanned the op out atomically with the commit.
	if !applied.Duplicate {
		entry := document.Committed{
			Version:  applied.Version,
			OpID:     op.ID,
			AuthorID: op.AuthorID,
			Ops:      applied.Ops,
		}
		go c.hub.pub.PublishCommit(context.Background(), c.documentID, entry)
	}
	c.hub.registry.SetLastSeen(c.documentID, c.participantID, applied.Version)
	return true
}

func (c *Client) handlePresence(msg models.Message) {
	err := c.hub.registry.UpdatePresence(c.documentID, c.participantID, msg.Cursor, msg.Typing)
	if err != nil {
		c.sendError(models.CodeValidation, err.Error())
	}
}

func (c *Client) handleRole(msg models.Message) {
	role, err := session.ParseRole(msg.Role)
	if err != nil {
		c.sendError(models.CodeValidation, err.Error())
		return
	}
	err = c.hub.registry.SetRole(c.documentID, c.participantID, msg.TargetID, role)
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		c.sendError(models.CodePermissionDenied, err.Error())
	case err != nil:
		c.sendError(models.CodeValidation, err.Error())
	}
}

// touch resets idle tracking on any inbound traffic.
func (c *Client) touch() {
	if c.room == nil {
		return
	}
	c.hub.registry.MarkActive(c.documentID, c.participantID)
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	docID, pid := c.documentID, c.participantID
	c.idleTimer = time.AfterFunc(c.hub.opts.IdleTimeout, func() {
		c.hub.registry.MarkIdle(docID, pid)
	})
}

func (c *Client) teardown() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.room != nil {
		empty := c.room.unregister(c)
		if c.left {
			c.hub.registry.Leave(c.documentID, c.participantID)
			log.Printf("Participant %s left document %s", c.participantID, c.documentID)
		} else {
			c.hub.registry.Disconnect(c.documentID, c.participantID)
			log.Printf("Participant %s disconnected from document %s", c.participantID, c.documentID)
		}
		if empty {
			c.hub.closeRoom(c.room)
		}
	} else {
		c.closeSend()
	}
	c.conn.Close()
}

func (c *Client) sendMessage(msg models.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode message: %v", err)
		return
	}
	c.trySend(payload)
}

func (c *Client) sendError(code, detail string) {
	c.sendMessage(models.Message{Type: models.TypeError, Code: code, Error: detail})
}

// enqueue queues a payload for the write pump. Callers may hold the room
// lock; this only ever takes the client's own send lock.
func (c *Client) enqueue(payload []byte) {
	c.trySend(payload)
}

// trySend queues a payload without blocking. It reports false when the client
// is too slow to keep up, in which case the send channel is closed and the
// write pump shuts the connection down.
func (c *Client) trySend(payload []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.sendClosed = true
		close(c.send)
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}
