// Package trace implements the client CLI's --tracing_level debug
// surface: an HTTP server exposing the current pipeline's
// ExecutionGraph, a websocket feed of live events, and a Prometheus-style
// /metrics endpoint backed by the dispatcher's VictoriaMetrics counters.
// cmd/posh publishes only node_start and node_stop events; byte counts
// are visible through /metrics, not the websocket feed.
package trace

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/posh-sh/posh/internal/wire"
)

// Level is one of the five --tracing_level settings, mapped onto
// zerolog levels.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// ParseLevel parses a --tracing_level value.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "none":
		return LevelNone, nil
	case "error":
		return LevelError, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelNone, errUnknownLevel(s)
	}
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "unknown tracing level: " + string(e) }

// ZerologLevel maps a tracing Level onto the zerolog.Level driving the
// root logger.
func (l Level) ZerologLevel() zerolog.Level {
	switch l {
	case LevelNone:
		return zerolog.Disabled
	case LevelError:
		return zerolog.ErrorLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// Event is one live pipeline event broadcast to connected viewers.
type Event struct {
	Kind       string `json:"kind"` // "node_start" | "node_stop" | "bytes" | "cancel"
	PipelineID string `json:"pipeline_id"`
	NodeID     string `json:"node_id,omitempty"`
	EdgeID     string `json:"edge_id,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Server is the debug HTTP+websocket server. It is a no-op sink when
// Level is LevelNone: Publish simply drops events and Handler serves an
// empty router, so cmd/posh need not branch on the level everywhere it
// touches the server.
type Server struct {
	level   Level
	metrics *vmetrics.Set

	mu      sync.Mutex
	graph   *wire.Graph
	viewers map[*viewer]struct{}

	upgrader websocket.Upgrader
}

type viewer struct {
	conn *websocket.Conn
	out  chan Event
}

// NewServer constructs a trace server at the given level. metrics may be
// nil if the caller has none to expose.
func NewServer(level Level, metrics *vmetrics.Set) *Server {
	return &Server{
		level:   level,
		metrics: metrics,
		viewers: make(map[*viewer]struct{}),
	}
}

// Enabled reports whether tracing is on at all.
func (s *Server) Enabled() bool { return s.level != LevelNone }

// SetMetrics binds the VictoriaMetrics set /metrics serves, replacing
// any prior one (cmd/posh rebinds it per dispatcher).
func (s *Server) SetMetrics(m *vmetrics.Set) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// SetGraph records the ExecutionGraph the /graph endpoint serves,
// replacing any prior one (one trace server observes one pipeline
// invocation at a time in cmd/posh's script-runner mode).
func (s *Server) SetGraph(g *wire.Graph) {
	s.mu.Lock()
	s.graph = g
	s.mu.Unlock()
}

// Publish broadcasts ev to every connected websocket viewer. A full
// viewer channel drops the event rather than blocking the dispatcher —
// tracing must never add backpressure to the pipeline it's observing.
func (s *Server) Publish(ev Event) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		select {
		case v.out <- ev:
		default:
		}
	}
}

// Handler returns the chi router serving /graph, /events, and /metrics,
// or an empty router when tracing is off.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if !s.Enabled() {
		return r
	}
	r.Get("/graph", s.handleGraph)
	r.Get("/events", s.handleEvents)
	r.Get("/metrics", s.handleMetrics)
	return r
}

func (s *Server) handleGraph(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	g := s.graph
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if g == nil {
		w.Write([]byte(`{}`))
		return
	}
	json.NewEncoder(w).Encode(g)
}

func (s *Server) handleMetrics(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.WritePrometheus(w)
		return
	}
	vmetrics.WritePrometheus(w, true)
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	v := &viewer{conn: conn, out: make(chan Event, 64)}

	s.mu.Lock()
	s.viewers[v] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.viewers, v)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain the read side so the connection notices a client-initiated
	// close; this server never expects incoming messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range v.out {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
