// Package relay implements the Relay Server (spec §4.5, C8): a NIP-01
// WebSocket server reading historical events from the Event Store and
// pushing newly accepted events to matching live subscriptions. Connection
// handling follows the one-reader-goroutine/one-writer-goroutine-per-conn
// split that's the idiomatic gorilla/websocket shape (see DESIGN.md for
// grounding: gorilla's own documented pattern, since no example repo
// carries a worked gorilla/websocket server beyond its go.mod entry),
// with admission limits and logging in the style the rest of this repo
// uses.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/klistr-network/ilp-relay/pkg/filter"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
	"github.com/klistr-network/ilp-relay/pkg/store"
)

// Limits bounds what a single WebSocket connection may register (spec
// §4.5 "allocate a ConnectionHandler limited by maxSubscriptionsPerConnection
// and maxFiltersPerSubscription").
type Limits struct {
	MaxSubscriptionsPerConnection int
	MaxFiltersPerSubscription     int
	OutboundBufferSize            int
	QueryTimeout                  time.Duration
}

// Server is the Relay Server's WebSocket handler and live-event broadcaster.
type Server struct {
	store    store.Interface
	limits   Limits
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}
}

// New constructs a Server reading historical state from eventStore.
func New(eventStore store.Interface, limits Limits, logger *zap.Logger) *Server {
	return &Server{
		store:  eventStore,
		limits: limits,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Broadcast notifies every connection whose subscriptions match e that a
// new event was accepted (spec §4.4 step 7, §4.5 "push any newly accepted
// event that matches at least one of the subscription's filters").
func (s *Server) Broadcast(e *nostrmodel.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.deliverLive(e)
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(s, ws)
	s.register(c)
	defer s.unregister(c)

	c.run()
}

func (s *Server) register(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) unregister(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	c.closeOutbound()
}

// subscription is one REQ's registered filter set; its frames go through
// the owning connection's outbound queue.
type subscription struct {
	id      string
	filters []filter.Filter
}

// connection is a single client's WebSocket session: one reader goroutine
// parsing incoming frames, one writer goroutine draining outbound, and a
// set of active subscriptions guarded by mu.
type connection struct {
	server *Server
	ws     *websocket.Conn

	mu            sync.Mutex
	subscriptions map[string]subscription

	outbound  chan []byte
	closeOnce sync.Once
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		server:        s,
		ws:            ws,
		subscriptions: make(map[string]subscription),
		outbound:      make(chan []byte, s.limits.OutboundBufferSize),
	}
}

func (c *connection) run() {
	done := make(chan struct{})
	go c.writeLoop(done)
	c.readLoop()
	close(done)
	_ = c.ws.Close()
}

func (c *connection) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(raw)
	}
}

func (c *connection) writeLoop(done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleFrame dispatches a single incoming JSON array (spec §4.5 "Messages,
// all JSON arrays").
func (c *connection) handleFrame(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		c.notice("error: malformed frame")
		return
	}

	var verb string
	if err := json.Unmarshal(frame[0], &verb); err != nil {
		c.notice("error: malformed frame")
		return
	}

	switch verb {
	case "REQ":
		c.handleReq(frame)
	case "CLOSE":
		c.handleClose(frame)
	case "EVENT":
		c.handleEvent(frame)
	default:
		c.notice("error: unknown message type " + verb)
	}
}

// handleReq registers a subscription, flushes matching historical events,
// emits EOSE, then begins forwarding live events (spec §4.5 REQ handling).
// Any live event accepted during the historical flush is staged rather
// than dropped (spec §4.5 "Fairness").
func (c *connection) handleReq(frame []json.RawMessage) {
	if len(frame) < 2 {
		c.notice("error: REQ requires a subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		c.notice("error: malformed subscription id")
		return
	}

	filters, err := parseFilters(frame[2:])
	if err != nil {
		c.notice("error: " + err.Error())
		return
	}
	if len(filters) > c.server.limits.MaxFiltersPerSubscription {
		c.notice(fmt.Sprintf("error: too many filters (max %d)", c.server.limits.MaxFiltersPerSubscription))
		return
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[subID]; !exists && len(c.subscriptions) >= c.server.limits.MaxSubscriptionsPerConnection {
		c.mu.Unlock()
		c.notice(fmt.Sprintf("error: too many subscriptions (max %d)", c.server.limits.MaxSubscriptionsPerConnection))
		return
	}
	// Stage live events matching this subscription while the historical
	// flush below runs with the lock released, so Broadcast can still see
	// and queue them via deliverLive without losing any.
	c.subscriptions[subID] = subscription{id: subID, filters: filters}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.server.limits.QueryTimeout)
	defer cancel()

	for _, f := range filters {
		events, err := c.server.store.Query(ctx, f)
		if err != nil {
			c.notice("error: historical query failed")
			continue
		}
		for _, e := range events {
			c.sendEvent(subID, e)
		}
	}
	c.sendEOSE(subID)
}

func (c *connection) handleClose(frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subscriptions, subID)
	c.mu.Unlock()
}

// handleEvent is the free write path (spec §4.5 "Accepted unconditionally
// ... the authoritative pay-to-write path is the BLS"). It replies OK but
// does not itself persist the event.
func (c *connection) handleEvent(frame []json.RawMessage) {
	if len(frame) < 2 {
		c.notice("error: EVENT requires an event object")
		return
	}
	var e nostrmodel.Event
	if err := json.Unmarshal(frame[1], &e); err != nil {
		c.notice("error: malformed event")
		return
	}
	c.sendOK(e.ID, true, "")
}

func parseFilters(raw []json.RawMessage) ([]filter.Filter, error) {
	filters := make([]filter.Filter, 0, len(raw))
	for _, r := range raw {
		var wire wireFilter
		if err := json.Unmarshal(r, &wire); err != nil {
			return nil, fmt.Errorf("malformed filter")
		}
		filters = append(filters, wire.toFilter())
	}
	if len(filters) == 0 {
		filters = append(filters, filter.Filter{})
	}
	return filters, nil
}

// wireFilter mirrors NIP-01's on-the-wire filter shape, including the
// "#x"-prefixed tag-letter keys that don't fit a flat Go struct and so are
// decoded via json.RawMessage into the Tags map by UnmarshalJSON.
type wireFilter struct {
	IDs     []string         `json:"ids,omitempty"`
	Authors []string         `json:"authors,omitempty"`
	Kinds   []int            `json:"kinds,omitempty"`
	Since   *int64           `json:"since,omitempty"`
	Until   *int64           `json:"until,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

func (w *wireFilter) UnmarshalJSON(data []byte) error {
	type alias wireFilter
	var a alias
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	tags := map[string][]string{}
	for key, v := range raw {
		if len(key) == 2 && key[0] == '#' {
			var values []string
			if err := json.Unmarshal(v, &values); err != nil {
				return fmt.Errorf("malformed tag filter %q: %w", key, err)
			}
			tags[key[1:]] = values
		}
	}
	*w = wireFilter(a)
	w.Tags = tags
	return nil
}

func (w wireFilter) toFilter() filter.Filter {
	return filter.Filter{
		IDs:     w.IDs,
		Authors: w.Authors,
		Kinds:   w.Kinds,
		Since:   w.Since,
		Until:   w.Until,
		Tags:    w.Tags,
		Limit:   w.Limit,
	}
}

func (c *connection) sendEvent(subID string, e *nostrmodel.Event) {
	frame := []any{"EVENT", subID, e}
	c.enqueue(frame, subID)
}

func (c *connection) sendEOSE(subID string) {
	c.enqueue([]any{"EOSE", subID}, subID)
}

func (c *connection) sendOK(eventID string, ok bool, msg string) {
	c.enqueue([]any{"OK", eventID, ok, msg}, "")
}

func (c *connection) notice(msg string) {
	c.enqueue([]any{"NOTICE", msg}, "")
}

// deliverLive forwards e to every subscription whose filters match it
// (spec §4.5 "push any newly accepted event that matches at least one of
// the subscription's filters").
func (c *connection) deliverLive(e *nostrmodel.Event) {
	c.mu.Lock()
	matches := make([]string, 0, 1)
	for subID, sub := range c.subscriptions {
		if filter.MatchesAny(e, sub.filters) {
			matches = append(matches, subID)
		}
	}
	c.mu.Unlock()

	for _, subID := range matches {
		c.sendEvent(subID, e)
	}
}

// enqueue marshals frame and pushes it onto the outbound channel,
// non-blocking. subID, when non-empty, names the subscription that owns
// this frame so backpressure can drop just that subscription rather than
// blocking the whole connection (spec §4.5 "Per-connection backpressure").
func (c *connection) enqueue(frame []any, subID string) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}

	select {
	case c.outbound <- encoded:
	default:
		if subID != "" {
			c.mu.Lock()
			delete(c.subscriptions, subID)
			c.mu.Unlock()
			noticeMsg, _ := json.Marshal([]any{"NOTICE", fmt.Sprintf("closed subscription %s: backpressure", subID)})
			select {
			case c.outbound <- noticeMsg:
			default:
			}
		}
	}
}

func (c *connection) closeOutbound() {
	c.closeOnce.Do(func() {
		close(c.outbound)
	})
}
