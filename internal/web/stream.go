package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

// handleTradeStream emits a "status" event on connect and a "merge" event for
// every merge that inserts trades.
func (s *Server) handleTradeStream(c *gin.Context) {
	if s.stream == nil {
		c.String(http.StatusServiceUnavailable, "merge stream not available")
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := s.stream.Subscribe()
	defer s.stream.Unsubscribe(ch)

	status := s.svc.Status()
	if err := writeEvent(w, "status", statusResponse{Status: "ok", Version: status.Version, Trades: status.Trades}); err != nil {
		s.l.Warn("trade stream initial write", zap.Error(err))
		return
	}

	// send a comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			w.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, "merge", event); err != nil {
				s.l.Warn("trade stream write", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(w gin.ResponseWriter, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}
