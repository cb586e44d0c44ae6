package handlers

import (
	"net/http"
	"strconv"

	"jddb-backend/internal/database"
	"jddb-backend/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	store *database.SnapshotStore
	hub   *websocket.Hub
}

func SetupRoutes(r *gin.RouterGroup, store *database.SnapshotStore, hub *websocket.Hub) {
	h := &Handler{store: store, hub: hub}

	r.GET("/ws", func(c *gin.Context) {
		websocket.HandleWebSocket(c, hub)
	})

	r.GET("/document/:id", h.getDocument)
	r.GET("/document/:id/history", h.getHistory)
	r.GET("/stats", h.getStats)
}

// getDocument serves the current content and version: from the live session
// when one is open, otherwise from the last persisted snapshot.
func (h *Handler) getDocument(c *gin.Context) {
	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	id := documentID.String()
	content, version, live := h.hub.DocumentSnapshot(id)
	if !live {
		var found bool
		content, version, found, err = h.store.Load(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve document"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"content": content,
		"version": version,
		"live":    live,
	})
}

// getHistory returns the committed entries after ?since for a live document.
func (h *Handler) getHistory(c *gin.Context) {
	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
		return
	}

	since, err := strconv.Atoi(c.DefaultQuery("since", "0"))
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since version"})
		return
	}

	entries, ok := h.hub.History(documentID.String(), since)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "History not available for this document"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"document_id": documentID.String(),
		"since":       since,
		"entries":     entries,
	})
}

func (h *Handler) getStats(c *gin.Context) {
	documents, connections := h.hub.Stats()

	c.JSON(http.StatusOK, gin.H{
		"open_documents": documents,
		"connections":    connections,
		"participants":   h.hub.Registry().Count(),
	})
}
