package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/middleware"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is already open to any origin through CORS
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleImportStream serves GET /api/v1/cryo-imports/stream: every appended
// ledger record is pushed as a JSON LedgerEvent. Optional slotId and sampleId
// query parameters narrow the feed.
func (s *Server) handleImportStream(c *gin.Context) {
	if s.services.Bus == nil {
		s.respondError(c, &domain.NotFoundError{Entity: "route", ID: c.Request.URL.Path})
		return
	}
	slotID, sampleID := c.Query("slotId"), c.Query("sampleId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.services.Bus.Subscribe()
	defer sub.Close()

	log := s.logger.WithFields(logrus.Fields{
		"correlation_id": c.GetString(middleware.CorrelationIDKey),
		"subscriber_id":  sub.ID,
	})
	log.Info("Ledger stream client connected")
	defer log.Info("Ledger stream client disconnected")

	// The reader only handles control frames and notices the client leaving
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if !matches(event, slotID, sampleID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				log.WithError(err).Debug("Ledger stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func matches(event domain.LedgerEvent, slotID, sampleID string) bool {
	if event.Record == nil {
		return false
	}
	if slotID != "" && event.Record.SlotID != slotID {
		return false
	}
	if sampleID != "" && event.Record.SampleID != sampleID {
		return false
	}
	return true
}
