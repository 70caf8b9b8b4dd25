package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/render"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/service"
	"github.com/gridtiles/server/pkg/colormap"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Event is a message pushed to session subscribers.
type Event struct {
	Type       string          `json:"type"`
	Loading    *bool           `json:"loading,omitempty"`
	Key        string          `json:"key,omitempty"`
	Error      string          `json:"error,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	Generation int64           `json:"generation,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// hub fans events out to subscribers. Slow subscribers lose events rather
// than block the engine.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			log.Printf("[Sessions] dropped %s event for a slow subscriber", e.Type)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Session is one client's view of a source.
type Session struct {
	ID        string    `json:"session_id"`
	SourceID  string    `json:"source_id"`
	CreatedAt time.Time `json:"created_at"`

	Tiles  *service.Tiles         `json:"-"`
	Frames *render.FrameRenderer `json:"-"`
	events *hub
}

// Subscribe returns a channel of session events. Call Unsubscribe when done.
func (s *Session) Subscribe() chan Event { return s.events.subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (s *Session) Unsubscribe(ch chan Event) { s.events.unsubscribe(ch) }

// SessionRequest is the optional body of a session creation.
type SessionRequest struct {
	Mode     string            `json:"mode"`
	Selector selector.Selector `json:"selector"`
	Colormap string            `json:"colormap"`
	Clim     *[2]float64       `json:"clim"`
	Camera   *pyramid.Camera   `json:"camera"`
	Viewport *pyramid.Viewport `json:"viewport"`
}

// SessionManagerConfig contains session manager configuration.
type SessionManagerConfig struct {
	Registry        *SourceRegistry
	DefaultColormap string
	FrameWidth      int
	FrameHeight     int
	// MaxViewport caps client viewports in pixels per side.
	MaxViewport int
}

// SessionManager owns the live sessions.
type SessionManager struct {
	cfg SessionManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.FrameWidth <= 0 {
		cfg.FrameWidth = 512
	}
	if cfg.FrameHeight <= 0 {
		cfg.FrameHeight = 512
	}
	return &SessionManager{cfg: cfg, sessions: make(map[string]*Session)}
}

// Create starts a session on a source. Source defaults from the
// configuration apply where the request leaves a field empty.
func (m *SessionManager) Create(sourceID string, req SessionRequest) (*Session, error) {
	entry := m.cfg.Registry.Get(sourceID)
	if entry == nil {
		return nil, fmt.Errorf("source not found: %s", sourceID)
	}
	src := entry.Config

	mode := req.Mode
	if mode == "" {
		mode = src.Mode
	}
	sel := req.Selector
	if sel == nil {
		sel = selector.Selector(src.Selector)
	}
	cmapName := req.Colormap
	if cmapName == "" {
		cmapName = src.Colormap
	}
	if cmapName == "" {
		cmapName = m.cfg.DefaultColormap
	}
	cmap, ok := colormap.ByName(cmapName)
	if !ok {
		cmap = colormap.Viridis
	}
	uniforms := service.DefaultUniforms()
	if src.Clim != [2]float64{} {
		uniforms.Clim = src.Clim
	}
	if req.Clim != nil {
		uniforms.Clim = *req.Clim
	}

	sess := &Session{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		CreatedAt: time.Now(),
		Frames:    render.NewFrameRenderer(m.cfg.FrameWidth, m.cfg.FrameHeight, ""),
		events:    newHub(),
	}
	events := sess.events
	tiles, err := service.NewTiles(entry.Resolve, service.TilesConfig{
		Mode:        mode,
		Selector:    sel,
		Uniforms:    &uniforms,
		Colormap:    cmap,
		Region:      service.RegionOptions{CachedOnly: !src.LoadsAllChunks()},
		Renderer:    sess.Frames,
		MaxViewport: float64(m.cfg.MaxViewport),
		Callbacks: service.Callbacks{
			Invalidate:       func() { events.publish(Event{Type: "invalidate"}) },
			InvalidateRegion: func() { events.publish(Event{Type: "region_invalidated"}) },
			SetLoading: func(loading bool) {
				events.publish(Event{Type: "loading", Loading: &loading})
			},
			OnError: func(key pyramid.Key, err error) {
				events.publish(Event{Type: "error", Key: key.String(), Error: err.Error()})
			},
		},
	})
	if err != nil {
		return nil, err
	}
	sess.Tiles = tiles
	if req.Viewport != nil {
		tiles.UpdateViewport(*req.Viewport)
	}
	if req.Camera != nil {
		tiles.UpdateCamera(*req.Camera)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	log.Printf("[Sessions] created %s on %s (mode %s)", sess.ID, sourceID, mode)
	return sess, nil
}

// Get returns a session.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete closes and removes a session.
func (m *SessionManager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.events.closeAll()
	s.Tiles.Close()
	return nil
}

// Publish sends an event to a session's subscribers.
func (m *SessionManager) Publish(id string, e Event) {
	if s, err := m.Get(id); err == nil {
		s.events.publish(e)
	}
}

// CloseAll closes every session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.events.closeAll()
		s.Tiles.Close()
	}
}
