package nav

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/algoviz/engine/internal/session"
)

// WebSocketHandler serves interactive trace navigation. Each connection
// owns one cursor; concurrent connections to the same session navigate
// independently.
type WebSocketHandler struct {
	mgr           *session.Manager
	playbackRate  float64
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new navigation WebSocket handler.
func NewWebSocketHandler(mgr *session.Manager, playbackRate float64, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		mgr:           mgr,
		playbackRate:  playbackRate,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage is one navigation command from the client. Count applies
// to advance and retreat and defaults to 1.
type clientMessage struct {
	Type     string  `json:"type"`
	Count    int     `json:"count,omitempty"`
	Position uint64  `json:"position,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// maxBatchMoves caps one advance/retreat command.
const maxBatchMoves = 1000

func (m clientMessage) moves() int {
	if m.Count < 1 {
		return 1
	}
	if m.Count > maxBatchMoves {
		return maxBatchMoves
	}
	return m.Count
}

// serverMessage is one event sent to the client.
type serverMessage struct {
	Type     string  `json:"type"`
	Step     any     `json:"step,omitempty"`
	Boundary string  `json:"boundary,omitempty"`
	Summary  any     `json:"summary,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// conn wraps a websocket connection with a write lock so the play
// goroutine and the command loop can both send.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the connection and runs the command loop.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	slog.Info("navigation connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s, err := h.mgr.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		slog.Error("session lookup failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "session_id", sessionID)
		return
	}
	c := &conn{ws: ws}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "navigation ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cursor := NewCursor(s.Trace(), h.playbackRate)
	h.commandLoop(ctx, c, cursor, s)
	slog.Info("navigation connection ended", "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

//nolint:gocognit // Command dispatch coordinates the cursor, play loop, and session.
func (h *WebSocketHandler) commandLoop(ctx context.Context, c *conn, cursor *Cursor, s *session.Session) {
	var playMu sync.Mutex
	var playCancel context.CancelFunc
	stopPlay := func() {
		playMu.Lock()
		if playCancel != nil {
			playCancel()
			playCancel = nil
		}
		playMu.Unlock()
	}
	defer stopPlay()

	for {
		_, message, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "session_id", s.ID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "session_id", s.ID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.send(ctx, c, serverMessage{Type: "error", Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case "advance":
			stopPlay()
			for i := 0; i < msg.moves(); i++ {
				step, err := cursor.Advance(ctx)
				h.deliver(ctx, c, step, err)
				if err != nil {
					break
				}
			}
		case "retreat":
			stopPlay()
			for i := 0; i < msg.moves(); i++ {
				step, err := cursor.Retreat()
				h.deliver(ctx, c, step, err)
				if err != nil {
					break
				}
			}
		case "seek":
			stopPlay()
			step, err := cursor.Seek(ctx, msg.Position)
			h.deliver(ctx, c, step, err)
		case "reset":
			stopPlay()
			cursor.Reset()
			h.send(ctx, c, serverMessage{Type: "reset"})
		case "play":
			stopPlay()
			playMu.Lock()
			playCtx, cancel := context.WithCancel(ctx)
			playCancel = cancel
			playMu.Unlock()
			go h.playLoop(playCtx, c, cursor, s)
		case "pause":
			stopPlay()
			h.send(ctx, c, serverMessage{Type: "paused"})
		case "speed":
			applied := cursor.SetSpeed(msg.Speed)
			h.send(ctx, c, serverMessage{Type: "speed", Speed: applied})
		case "cancel":
			if err := h.mgr.Cancel(s.ID); err != nil {
				h.send(ctx, c, serverMessage{Type: "error", Error: err.Error()})
			} else {
				h.send(ctx, c, serverMessage{Type: "cancelling"})
			}
		default:
			h.send(ctx, c, serverMessage{Type: "error", Error: "unknown command: " + msg.Type})
		}
	}
}

// playLoop streams steps at the cursor's pace until the end of the trace,
// a pause, or disconnect.
func (h *WebSocketHandler) playLoop(ctx context.Context, c *conn, cursor *Cursor, s *session.Session) {
	for {
		step, err := cursor.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrAtEnd) {
				h.send(ctx, c, serverMessage{Type: "boundary", Boundary: "end"})
				if summary, ok := s.Trace().Summary(); ok {
					h.send(ctx, c, serverMessage{Type: "summary", Summary: summary})
				}
			}
			return
		}
		if sendErr := c.writeJSON(ctx, serverMessage{Type: "step", Step: step}); sendErr != nil {
			return
		}
	}
}

// deliver translates a cursor result into a step or boundary message.
func (h *WebSocketHandler) deliver(ctx context.Context, c *conn, step any, err error) {
	switch {
	case err == nil:
		h.send(ctx, c, serverMessage{Type: "step", Step: step})
	case errors.Is(err, ErrAtStart):
		h.send(ctx, c, serverMessage{Type: "boundary", Boundary: "start"})
	case errors.Is(err, ErrAtEnd):
		h.send(ctx, c, serverMessage{Type: "boundary", Boundary: "end"})
	case errors.Is(err, context.Canceled):
	default:
		h.send(ctx, c, serverMessage{Type: "error", Error: err.Error()})
	}
}

func (h *WebSocketHandler) send(ctx context.Context, c *conn, msg serverMessage) {
	if err := c.writeJSON(ctx, msg); err != nil {
		slog.Debug("websocket write failed", "error", err)
	}
}
