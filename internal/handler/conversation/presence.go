package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/lingzhi/backend/internal/middleware"
	conversationService "github.com/zhouzirui/lingzhi/backend/internal/service/conversation"
	"github.com/zhouzirui/lingzhi/backend/pkg/utils"
)

const writeWait = 5 * time.Second

// PresenceHandler keeps a websocket open for the lifetime of the conversation page.
// A connection that drops while the session is still active is treated as the page
// being closed and triggers the abandonment flush.
type PresenceHandler struct {
	svc          *conversationService.Service
	tickInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewPresenceHandler 创建在线状态处理器
func NewPresenceHandler(svc *conversationService.Service, tickInterval time.Duration) *PresenceHandler {
	return &PresenceHandler{
		svc:          svc,
		tickInterval: tickInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type inboundMessage struct {
	Type          string `json:"type"`
	FeedbackScore *int   `json:"feedbackScore,omitempty"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type presenceConn struct {
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
}

func (c *presenceConn) send(kind string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(outgoingMessage{
		Type:      kind,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ServeHTTP 处理websocket连接
func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := middleware.UserID(r.Context())

	snap, err := h.svc.Snapshot(userID, sessionID)
	if err != nil {
		respondServiceError(w, sessionID, err)
		return
	}
	if !snap.Active {
		utils.RespondError(w, http.StatusConflict, "session is not running")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[presence] upgrade failed for session=%s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	pc := &presenceConn{conn: conn, sessionID: sessionID}
	log.Printf("[presence] connected session=%s user=%s", sessionID, userID)

	if err := pc.send("guard", map[string]string{"message": conversationService.LeaveWarning}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go h.pushTicks(ctx, cancel, pc, userID)

	ended := h.readLoop(ctx, pc, userID)
	cancel()

	if ended {
		return
	}
	snap, err = h.svc.Snapshot(userID, sessionID)
	if err != nil || !snap.Active {
		return
	}
	log.Printf("[presence] session=%s lost its page, flushing", sessionID)
	if err := h.svc.Abandon(context.WithoutCancel(r.Context()), userID, sessionID); err != nil && !errors.Is(err, conversationService.ErrSessionNotFound) {
		log.Printf("[presence] abandon flush for session=%s: %v", sessionID, err)
	}
}

// readLoop returns true when the client ended the session explicitly.
func (h *PresenceHandler) readLoop(ctx context.Context, pc *presenceConn, userID string) bool {
	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[presence] session=%s read error: %v", pc.sessionID, err)
			}
			return false
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = pc.send("error", map[string]string{"message": "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = pc.send("pong", nil)
		case "end":
			result, err := h.svc.End(ctx, userID, pc.sessionID, msg.FeedbackScore)
			if err != nil {
				_ = pc.send("error", map[string]string{"message": err.Error()})
				continue
			}
			_ = pc.send("settled", result)
			_ = pc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "settled"),
				time.Now().Add(writeWait))
			return true
		default:
			_ = pc.send("error", map[string]string{"message": "unknown message type"})
		}
	}
}

func (h *PresenceHandler) pushTicks(ctx context.Context, cancel context.CancelFunc, pc *presenceConn, userID string) {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := h.svc.Snapshot(userID, pc.sessionID)
			if err != nil || !snap.Active {
				_ = pc.send("stopped", snap)
				return
			}
			if err := pc.send("tick", snap); err != nil {
				cancel()
				return
			}
		}
	}
}
