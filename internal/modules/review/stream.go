package review

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/meridianfm/riskmatch/internal/events"
)

// streamBuffer is the per-connection event backlog. A reviewer UI that
// cannot drain this many events is disconnected rather than allowed to
// apply backpressure to the publisher.
const streamBuffer = 64

// StreamHub pushes workflow events to connected reviewer clients over
// websockets. It subscribes to the bus once at wire time and fans events
// out to per-connection channels.
type StreamHub struct {
	log zerolog.Logger

	mu    sync.Mutex
	conns map[chan *events.Event]struct{}
}

// NewStreamHub creates the hub and subscribes it to the bus.
func NewStreamHub(bus *events.Bus, log zerolog.Logger) *StreamHub {
	hub := &StreamHub{
		log:   log.With().Str("handler", "review_stream").Logger(),
		conns: make(map[chan *events.Event]struct{}),
	}

	for _, t := range []events.EventType{
		events.RecommendationProposed,
		events.RecommendationClaimed,
		events.RecommendationDecided,
		events.RecommendationExpired,
	} {
		bus.Subscribe(t, hub.broadcast)
	}

	return hub
}

// broadcast fans one event out to every connection. Slow connections have
// their channel closed and are dropped.
func (hub *StreamHub) broadcast(event *events.Event) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for ch := range hub.conns {
		select {
		case ch <- event:
		default:
			delete(hub.conns, ch)
			close(ch)
		}
	}
}

func (hub *StreamHub) attach() chan *events.Event {
	ch := make(chan *events.Event, streamBuffer)
	hub.mu.Lock()
	hub.conns[ch] = struct{}{}
	hub.mu.Unlock()
	return ch
}

func (hub *StreamHub) detach(ch chan *events.Event) {
	hub.mu.Lock()
	if _, ok := hub.conns[ch]; ok {
		delete(hub.conns, ch)
		close(ch)
	}
	hub.mu.Unlock()
}

// Serve upgrades the request to a websocket and streams workflow events
// until the client disconnects.
func (hub *StreamHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch := hub.attach()
	defer hub.detach(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
