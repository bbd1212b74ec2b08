package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/farmgpt/krishimitra/internal/observe"
	"github.com/farmgpt/krishimitra/internal/orchestrator"
)

const (
	// eventBuffer is the per-client queue depth. Level events arrive every
	// sampling interval, so a client that falls this far behind is dropped.
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// handleEvents upgrades to a WebSocket and streams orchestrator events as
// JSON text messages. The first message is always a snapshot. Messages from
// the client are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("api: websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	log := observe.Logger(ctx)

	events := make(chan orchestrator.Event, eventBuffer)
	slow := make(chan struct{})
	var slowOnce sync.Once
	unsubscribe := s.conv.Subscribe(func(ev orchestrator.Event) {
		select {
		case events <- ev:
		default:
			slowOnce.Do(func() { close(slow) })
		}
	})
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.EventSubscribers.Add(ctx, 1)
		defer s.metrics.EventSubscribers.Add(context.WithoutCancel(ctx), -1)
	}
	log.Debug("api: event stream connected")

	snap := s.conv.Snapshot()
	if err := writeEvent(ctx, c, orchestrator.Event{Kind: orchestrator.EventSnapshot, Snapshot: &snap}); err != nil {
		return
	}

	for {
		select {
		case ev := <-events:
			if err := writeEvent(ctx, c, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("api: event stream write failed", "err", err)
				}
				return
			}
		case <-slow:
			log.Warn("api: event stream client too slow; closing")
			c.Close(websocket.StatusPolicyViolation, "event stream client too slow")
			return
		case <-ctx.Done():
			log.Debug("api: event stream closed")
			return
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, ev orchestrator.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, ev)
}
