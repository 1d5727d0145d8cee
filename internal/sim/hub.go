package sim

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/store"
	"github.com/matheus3301/towtrack/internal/wschat"
)

const sendTimeout = 5 * time.Second

// Hub serves the duplex chat channel and fans messages out to the peers
// joined to each job's room.
type Hub struct {
	db     *store.DB
	logger *zap.Logger
	now    func() time.Time
	// ctx bounds fan-out writes so one peer's request ending does not
	// cancel writes to the others.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}
	peers map[*peer]struct{}
}

type peer struct {
	userID string
	conn   *wschat.Conn
	sendMu sync.Mutex
}

func (p *peer) send(ctx context.Context, f chat.Frame) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return p.conn.Send(ctx, f)
}

// NewHub creates a hub persisting messages to db.
func NewHub(db *store.DB, logger *zap.Logger, now func() time.Time) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		db:     db,
		logger: logger.Named("hub"),
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]map[*peer]struct{}),
		peers:  make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves one peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := bearer(r)
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, errors.New("missing token"))
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	p := &peer{userID: userID, conn: wschat.Wrap(ws, h.logger)}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("peer connected", zap.String("user_id", userID))

	defer func() {
		h.drop(p)
		_ = p.conn.Close()
		h.logger.Info("peer disconnected", zap.String("user_id", userID))
	}()

	ctx := r.Context()
	for {
		f, err := p.conn.Receive(ctx)
		if err != nil {
			return
		}
		h.handle(ctx, p, f)
	}
}

func (h *Hub) handle(ctx context.Context, p *peer, f chat.Frame) {
	switch f.Type {
	case chat.FrameJoin:
		if _, err := h.db.GetJob(f.JobID); err != nil {
			h.reject(ctx, p, f.JobID, "unknown job "+f.JobID)
			return
		}
		h.join(p, f.JobID)
		if err := p.send(ctx, chat.Frame{Type: chat.FrameJoined, JobID: f.JobID}); err != nil {
			h.logger.Debug("send joined", zap.Error(err))
		}
	case chat.FrameMessage:
		if !h.joined(p, f.JobID) {
			h.reject(ctx, p, f.JobID, "not joined to "+f.JobID)
			return
		}
		text := strings.TrimSpace(f.Text)
		if text == "" {
			h.reject(ctx, p, f.JobID, "empty message")
			return
		}
		m, err := h.db.AppendMessage(store.Message{
			ID:       uuid.NewString(),
			JobID:    f.JobID,
			ClientID: f.ClientID,
			SenderID: p.userID,
			Body:     text,
			SentAt:   h.now().UnixMilli(),
		})
		if err != nil {
			h.logger.Error("store message", zap.String("job_id", f.JobID), zap.Error(err))
			h.reject(ctx, p, f.JobID, "message not stored")
			return
		}
		h.Broadcast(m)
	default:
		h.reject(ctx, p, f.JobID, "unknown frame type "+f.Type)
	}
}

func (h *Hub) reject(ctx context.Context, p *peer, jobID, text string) {
	if err := p.send(ctx, chat.Frame{Type: chat.FrameError, JobID: jobID, Text: text}); err != nil {
		h.logger.Debug("send error frame", zap.Error(err))
	}
}

func (h *Hub) join(p *peer, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[jobID]
	if !ok {
		room = make(map[*peer]struct{})
		h.rooms[jobID] = room
	}
	room[p] = struct{}{}
}

func (h *Hub) joined(p *peer, jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[jobID][p]
	return ok
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
	for id, room := range h.rooms {
		delete(room, p)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// Broadcast delivers a stored message to every peer joined to its room.
func (h *Hub) Broadcast(m store.Message) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.rooms[m.JobID]))
	for p := range h.rooms[m.JobID] {
		targets = append(targets, p)
	}
	h.mu.Unlock()

	f := chat.Frame{
		Type:     chat.FrameMessage,
		JobID:    m.JobID,
		ID:       m.ID,
		ClientID: m.ClientID,
		SenderID: m.SenderID,
		Text:     m.Body,
		SentAt:   time.UnixMilli(m.SentAt),
	}
	for _, p := range targets {
		if err := p.send(h.ctx, f); err != nil {
			h.logger.Debug("broadcast failed", zap.String("user_id", p.userID), zap.Error(err))
		}
	}
}

// Members returns how many peers are joined to jobID's room.
func (h *Hub) Members(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[jobID])
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}
