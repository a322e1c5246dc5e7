package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"firestige.xyz/dmgmeter/internal/buff"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/enemy"
	"firestige.xyz/dmgmeter/internal/metrics"
	"firestige.xyz/dmgmeter/internal/pipeline"
	"firestige.xyz/dmgmeter/internal/stats"
)

const (
	writeWait   = 5 * time.Second
	sendBacklog = 4
)

// Snapshot is one live feed message.
type Snapshot struct {
	Code       int                             `json:"code"`
	User       map[string]stats.Summary        `json:"user"`
	Enemy      []enemy.Listing                 `json:"enemy"`
	Buff       map[string]map[string]buff.View `json:"buff"`
	EntityUIDs []string                        `json:"entityUids"`
}

type viewer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.send)
	})
}

// Hub tracks websocket viewers and pushes a snapshot to each of them on
// every tick while recording is not paused.
type Hub struct {
	engine   Engine
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[string]*viewer
}

// NewHub creates a hub.
func NewHub(engine Engine, interval time.Duration) *Hub {
	return &Hub{
		engine:   engine,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		viewers: make(map[string]*viewer),
	}
}

// Len returns the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// ServeWS upgrades the request and keeps the viewer registered until its
// connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	v := &viewer{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBacklog)}
	h.register(v)
	slog.Info("viewer connected", "viewer", v.id, "remote", r.RemoteAddr)

	go h.writePump(v)

	// Viewers send nothing meaningful; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(v)
	slog.Info("viewer disconnected", "viewer", v.id)
}

func (h *Hub) register(v *viewer) {
	h.mu.Lock()
	h.viewers[v.id] = v
	h.mu.Unlock()
	metrics.ViewersConnected.Inc()
}

func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v.id]
	delete(h.viewers, v.id)
	h.mu.Unlock()
	if ok {
		metrics.ViewersConnected.Dec()
	}
	v.close()
}

func (h *Hub) writePump(v *viewer) {
	defer v.conn.Close()
	for msg := range v.send {
		_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("viewer write failed", "viewer", v.id, "error", err)
			h.unregister(v)
			return
		}
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = v.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// Run broadcasts until ctx is cancelled or the engine stops.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Len() == 0 {
				continue
			}
			snap, ok, err := h.snapshot(ctx)
			if err != nil {
				if errors.Is(err, core.ErrPipelineStopped) {
					return
				}
				continue
			}
			if ok {
				h.Broadcast(snap)
			}
		}
	}
}

func (h *Hub) snapshot(ctx context.Context) (Snapshot, bool, error) {
	var snap Snapshot
	var paused bool
	err := h.engine.Do(ctx, func(st *pipeline.State) {
		if paused = st.Paused(); paused {
			return
		}
		entities := st.Buffs.Entities(st.Now)
		snap = Snapshot{
			User:       st.Stats.Summaries(),
			Enemy:      st.Enemies.List(),
			Buff:       st.Buffs.Active(st.Now, 0, false),
			EntityUIDs: make([]string, len(entities)),
		}
		for i, uid := range entities {
			snap.EntityUIDs[i] = strconv.FormatUint(uid, 10)
		}
	})
	return snap, err == nil && !paused, err
}

// Broadcast sends snap to every viewer. A viewer whose backlog is full is
// disconnected.
func (h *Hub) Broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("failed to encode live snapshot", "error", err)
		return
	}

	h.mu.Lock()
	var slow []*viewer
	for _, v := range h.viewers {
		select {
		case v.send <- data:
		default:
			slow = append(slow, v)
		}
	}
	h.mu.Unlock()

	for _, v := range slow {
		slog.Warn("viewer too slow, disconnecting", "viewer", v.id)
		h.unregister(v)
	}
}

// CloseAll disconnects every viewer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		all = append(all, v)
	}
	h.mu.Unlock()
	for _, v := range all {
		h.unregister(v)
	}
}
