package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// catchupLimit bounds the replay when a client reconnects with a
// last-event-id far in the past.
const catchupLimit = 100

// keepaliveInterval is how often an SSE comment is written to detect
// dead connections through proxies.
const keepaliveInterval = 30 * time.Second

// handleEventStream serves the SSE stream for one channel. Subscribing
// before the catchup query means no event between the query and the
// live stream can be missed; duplicates across the seam are dropped by
// id.
func (s *Server) handleEventStream(c *gin.Context) {
	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel query parameter is required"})
		return
	}

	lastEventID := int64(0)
	raw := c.Query("last_event_id")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_event_id"})
			return
		}
		lastEventID = id
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	subID, live, err := s.stream.SubscribeChan(ctx, channel)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	defer s.stream.Unsubscribe(ctx, channel, subID)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	// The client already holds everything up to lastEventID; the live
	// channel may replay below that when the dispatch watermark lags a
	// reconnecting client.
	lastSent := lastEventID
	if lastEventID > 0 {
		missed, err := s.eventStore.EventsAfter(ctx, channel, lastEventID, catchupLimit)
		if err != nil {
			slog.Error("Event catchup query failed", "channel", channel, "error", err)
		}
		for _, ev := range missed {
			if writeSSEEvent(c.Writer, ev) {
				lastSent = ev.ID
			}
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			// Skip events already replayed during catchup.
			if ev.ID <= lastSent {
				continue
			}
			if writeSSEEvent(c.Writer, ev) {
				lastSent = ev.ID
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev *models.Event) bool {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		slog.Error("Failed to marshal event payload", "event_id", ev.ID, "error", err)
		return false
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, data)
	return true
}
