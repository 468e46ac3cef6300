// Package live pushes match and session changes to websocket viewers.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/matches"
	"github.com/xaitan80/X-Score/internal/models"
	"github.com/xaitan80/X-Score/internal/sessions"
	"github.com/xaitan80/X-Score/internal/store"
)

// Message is the frame sent to viewers.
type Message struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

const TypeError = "error"

var ErrClosed = errors.New("live: hub closed")

type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     64,
		CheckOrigin:    func(r *http.Request) bool { return true },
	}
}

// Hub fans document changes out to connections. Each watched document holds
// one store subscription and one bus subscription, shared by its viewers.
type Hub struct {
	store    store.Store
	bus      *feed.Bus
	matches  *matches.Service
	sessions *sessions.Service
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

type watch struct {
	conns    map[*conn]struct{}
	releases []func()
}

func NewHub(st store.Store, bus *feed.Bus, ms *matches.Service, ss *sessions.Service, cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	return &Hub{
		store:    st,
		bus:      bus,
		matches:  ms,
		sessions: ss,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		watches: make(map[string]*watch),
	}
}

// Connections returns the number of open viewer connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, w := range h.watches {
		n += len(w.conns)
	}
	return n
}

// Watches returns the number of documents with at least one viewer.
func (h *Hub) Watches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watches)
}

// ServeMatch streams one match: its current view, then store changes, timer
// ticks and sync alerts.
func (h *Hub) ServeMatch(w http.ResponseWriter, r *http.Request, id string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("match_id", id).Msg("websocket upgrade failed")
		return
	}
	c := h.newConn(ws, "match:"+id)
	err = h.acquire(c,
		func() ([]func(), error) { return h.watchMatch(c.key, id) },
		func() (Message, error) {
			m, err := h.matches.Get(r.Context(), id)
			return Message{Type: feed.TypeMatch, Data: m}, err
		})
	if err != nil {
		rejectConn(ws, h.cfg.WriteTimeout, rejectReason(err))
		return
	}
	c.run()
}

// ServeSession streams a session with its matches on every session change.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, id string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	c := h.newConn(ws, "session:"+id)
	err = h.acquire(c,
		func() ([]func(), error) { return h.watchSession(c.key, id) },
		func() (Message, error) {
			d, err := h.sessions.Get(r.Context(), id)
			return Message{Type: feed.TypeSession, Data: d}, err
		})
	if err != nil {
		rejectConn(ws, h.cfg.WriteTimeout, rejectReason(err))
		return
	}
	c.run()
}

var errSubscribe = errors.New("live: subscription failed")

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return "server shutting down"
	case errors.Is(err, errSubscribe):
		return "subscription failed"
	default:
		return matches.ErrorMessage(err)
	}
}

func (h *Hub) watchMatch(key, id string) ([]func(), error) {
	sub, err := h.store.SubscribeMatch(id,
		func(m models.Match) {
			h.broadcast(key, Message{Type: feed.TypeMatch, Data: h.matches.View(m)})
		},
		func(err error) {
			log.Warn().Err(err).Str("match_id", id).Msg("match subscription error")
		})
	if err != nil {
		return nil, err
	}
	stopTimer := h.bus.Subscribe(feed.TimerTopic(id), func(e feed.Event) {
		h.broadcast(key, Message{Type: e.Type, Data: e.Data})
	})
	return []func(){sub.Unsubscribe, stopTimer}, nil
}

func (h *Hub) watchSession(key, id string) ([]func(), error) {
	sub, err := h.store.SubscribeSession(id,
		func(s models.Session) {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			defer cancel()
			list, err := h.matches.List(ctx, s.MatchIDs)
			if err != nil {
				log.Warn().Err(err).Str("session_id", id).Msg("session refresh failed")
				return
			}
			h.broadcast(key, Message{Type: feed.TypeSession, Data: sessions.Detail{Session: s, Matches: list}})
		},
		func(err error) {
			log.Warn().Err(err).Str("session_id", id).Msg("session subscription error")
		})
	if err != nil {
		return nil, err
	}
	return []func(){sub.Unsubscribe}, nil
}

// acquire registers c under its key, subscribing when c is the first viewer,
// and queues the first frame. The first frame is read after the subscription
// exists and under the hub lock, so every later change reaches c after it.
func (h *Hub) acquire(c *conn, subscribe func() ([]func(), error), first func() (Message, error)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	w, ok := h.watches[c.key]
	if !ok {
		releases, err := subscribe()
		if err != nil {
			h.mu.Unlock()
			log.Error().Err(err).Str("watch", c.key).Msg("subscribe failed")
			return fmt.Errorf("%w: %v", errSubscribe, err)
		}
		w = &watch{conns: make(map[*conn]struct{}), releases: releases}
		h.watches[c.key] = w
	}
	msg, err := first()
	if err != nil {
		var releases []func()
		if len(w.conns) == 0 {
			delete(h.watches, c.key)
			releases = w.releases
		}
		h.mu.Unlock()
		for _, fn := range releases {
			fn()
		}
		return err
	}
	w.conns[c] = struct{}{}
	c.queue(msg)
	n := len(w.conns)
	h.mu.Unlock()
	log.Debug().Str("connection_id", c.id).Str("watch", c.key).Int("viewers", n).Msg("viewer joined")
	return nil
}

// release drops c; the last viewer of a document releases its subscriptions.
// Releases run outside the lock since listeners may be mid-broadcast.
func (h *Hub) release(c *conn) {
	h.mu.Lock()
	w, ok := h.watches[c.key]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := w.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(w.conns, c)
	var releases []func()
	if len(w.conns) == 0 {
		delete(h.watches, c.key)
		releases = w.releases
	}
	h.mu.Unlock()

	for _, fn := range releases {
		fn()
	}
	log.Debug().Str("connection_id", c.id).Str("watch", c.key).Msg("viewer left")
}

func (h *Hub) broadcast(key string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("watch", key).Msg("marshal broadcast")
		return
	}
	h.mu.Lock()
	w, ok := h.watches[key]
	var targets []*conn
	if ok {
		targets = make([]*conn, 0, len(w.conns))
		for c := range w.conns {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("connection_id", c.id).Str("watch", key).Msg("send buffer full, dropping viewer")
			go c.close()
		}
	}
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*conn
	for _, w := range h.watches {
		for c := range w.conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

type conn struct {
	id   string
	key  string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (h *Hub) newConn(ws *websocket.Conn, key string) *conn {
	return &conn{
		id:   uuid.NewString(),
		key:  key,
		ws:   ws,
		hub:  h,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *conn) queue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("marshal message")
		return
	}
	select {
	case c.send <- data:
	default:
		go c.close()
	}
}

// run blocks until the viewer goes away.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.hub.release(c)
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; reading keeps pong handling alive.
func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
	}
}

func rejectConn(ws *websocket.Conn, timeout time.Duration, reason string) {
	deadline := time.Now().Add(timeout)
	_ = ws.SetWriteDeadline(deadline)
	if data, err := json.Marshal(Message{Type: TypeError, Error: reason}); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}
