package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gameplay-go/backend/internal/notify"

	"github.com/gin-gonic/gin"
)

// Keep-alive comments let clients detect a dead connection.
const sseKeepAliveInterval = 15 * time.Second

// WatchMatchHandler streams match-changed events over SSE. Events carry only
// the match id; subscribers re-read the match. A client that connects
// mid-match must fetch the current state separately.
func WatchMatchHandler(notifier *notify.Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		matchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		// The server-wide write deadline is fixed at request start and would
		// sever the stream at its first keep-alive. Streams manage their own
		// lifetime: keep-alives detect dead peers, the request context ends it.
		_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")

		sub := notifier.Watch(matchID)
		defer notifier.Unwatch(sub)

		fmt.Fprintf(c.Writer, ": connected\n\n")
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case _, ok := <-sub.C:
				if !ok {
					// Dropped as a slow subscriber.
					return
				}
				fmt.Fprintf(c.Writer, "event: update\ndata: %d\n\n", matchID)
				flusher.Flush()
			case <-keepAlive.C:
				fmt.Fprintf(c.Writer, ": keep-alive\n\n")
				flusher.Flush()
			}
		}
	}
}
