package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/llm/speech"
)

// BridgeConfig WebSocket 桥接配置
type BridgeConfig struct {
	RoomID string
	// Agent 加入时在 meeting-joined 中报告的本地参会者
	Agent Participant
	// 入站帧缓冲，满时丢帧
	FrameBuffer int
	// Secret 非空时要求连接携带有效令牌（?token= 或 Authorization）
	Secret string
	// 允许的跨域来源，空时只允许同源
	OriginPatterns []string
	ReadLimit      int64
}

// Bridge 以 WebSocket 连接充当房间传输：
// 二进制消息为 PCM16 单声道帧，文本消息为 JSON 事件。
// 同一时间只接受一个客户端连接。
type Bridge struct {
	cfg    BridgeConfig
	logger *zap.Logger

	frames chan []byte
	events chan Event

	mu        sync.Mutex
	conn      *websocket.Conn
	joined    bool
	left      bool
	announced map[string]Participant
	done      chan struct{}
}

var _ Transport = (*Bridge)(nil)

// NewBridge 创建桥接
func NewBridge(cfg BridgeConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "agent"
	}
	cfg.Agent.IsLocal = true
	cfg.Agent.IsAgent = true
	return &Bridge{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "room_bridge"), zap.String("room_id", cfg.RoomID)),
		frames:    make(chan []byte, cfg.FrameBuffer),
		events:    make(chan Event, 64),
		announced: make(map[string]Participant),
		done:      make(chan struct{}),
	}
}

func (b *Bridge) RoomID() string        { return b.cfg.RoomID }
func (b *Bridge) Frames() <-chan []byte { return b.frames }
func (b *Bridge) Events() <-chan Event  { return b.events }
func (b *Bridge) Done() <-chan struct{} { return b.done }
func (b *Bridge) Connected() bool       { b.mu.Lock(); defer b.mu.Unlock(); return b.conn != nil }

// Join 标记已加入并报告 meeting-joined
func (b *Bridge) Join(ctx context.Context) error {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return ErrNotJoined
	}
	if b.joined {
		b.mu.Unlock()
		return nil
	}
	b.joined = true
	b.mu.Unlock()

	agent := b.cfg.Agent
	b.logger.Info("bridge joined", zap.String("participant_id", agent.ID))
	return b.emit(ctx, Event{Type: EventMeetingJoined, Participant: &agent})
}

// Leave 断开客户端并报告 meeting-left
func (b *Bridge) Leave(ctx context.Context) error {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return nil
	}
	b.left = true
	wasJoined := b.joined
	b.joined = false
	conn := b.conn
	b.conn = nil
	close(b.done)
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "agent left")
	}
	b.logger.Info("bridge left")
	if !wasJoined {
		return nil
	}
	select {
	case b.events <- Event{Type: EventMeetingLeft}:
	default:
		b.logger.Warn("event buffer full, meeting-left dropped")
	}
	return nil
}

// Publish 以二进制消息发送代理音频，无客户端时丢弃
func (b *Bridge) Publish(ctx context.Context, frame speech.AudioFrame) error {
	b.mu.Lock()
	joined, conn := b.joined, b.conn
	b.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	if conn == nil || len(frame.Data) == 0 {
		return nil
	}
	return conn.Write(ctx, websocket.MessageBinary, frame.Data)
}

// SendEvent 向客户端发送 JSON 事件，无客户端时丢弃
func (b *Bridge) SendEvent(ctx context.Context, ev Event) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, ev)
}

func (b *Bridge) emit(ctx context.Context, ev Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

// ServeHTTP 升级为 WebSocket 并读取客户端消息直到断开
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.cfg.Secret != "" {
		if err := b.authorize(r); err != nil {
			b.logger.Warn("bridge connection rejected", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	b.mu.Lock()
	busy := b.conn != nil
	closed := b.left
	b.mu.Unlock()
	switch {
	case closed:
		http.Error(w, "room closed", http.StatusGone)
		return
	case busy:
		http.Error(w, ErrBridgeBusy.Error(), http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.cfg.OriginPatterns})
	if err != nil {
		b.logger.Error("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(b.cfg.ReadLimit)

	b.mu.Lock()
	if b.conn != nil || b.left {
		b.mu.Unlock()
		_ = conn.Close(websocket.StatusTryAgainLater, ErrBridgeBusy.Error())
		return
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info("bridge client connected", zap.String("remote", r.RemoteAddr))
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.readLoop(ctx, conn)
	b.disconnect(ctx, conn)
}

func (b *Bridge) authorize(r *http.Request) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return ErrMissingToken
	}
	claims, err := VerifyToken(token, b.cfg.Secret)
	if err != nil {
		return err
	}
	if id, ok := claims["roomId"].(string); ok && id != "" && id != b.cfg.RoomID {
		return ErrInvalidToken
	}
	return nil
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !IsClosed(err) {
				b.logger.Warn("bridge read failed", zap.Error(err))
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			select {
			case b.frames <- data:
			default:
				b.logger.Debug("frame buffer full, dropping audio frame")
			}
		case websocket.MessageText:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
				b.logger.Warn("invalid bridge event", zap.ByteString("payload", data))
				continue
			}
			b.track(ev)
			if err := b.emit(ctx, ev); err != nil {
				return
			}
		}
	}
}

// track 记录客户端声明的参会者，断开时补发 participant-left
func (b *Bridge) track(ev Event) {
	if ev.Participant == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Type {
	case EventParticipantJoined:
		b.announced[ev.Participant.ID] = *ev.Participant
	case EventParticipantLeft:
		delete(b.announced, ev.Participant.ID)
	}
}

func (b *Bridge) disconnect(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	left := make([]Participant, 0, len(b.announced))
	for _, p := range b.announced {
		left = append(left, p)
	}
	b.announced = make(map[string]Participant)
	b.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	b.logger.Info("bridge client disconnected", zap.Int("participants", len(left)))
	for i := range left {
		p := left[i]
		if err := b.emit(context.WithoutCancel(ctx), Event{Type: EventParticipantLeft, Participant: &p}); err != nil {
			return
		}
	}
}

// Hub 按房间 ID 分发 /ws/{roomId} 连接
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewHub 创建分发器
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.With(zap.String("component", "room_hub")),
		bridges: make(map[string]*Bridge),
	}
}

// Add 登记桥接，同房间覆盖
func (h *Hub) Add(b *Bridge) {
	h.mu.Lock()
	h.bridges[b.RoomID()] = b
	h.mu.Unlock()
}

// Remove 移除桥接
func (h *Hub) Remove(roomID string) {
	h.mu.Lock()
	delete(h.bridges, roomID)
	h.mu.Unlock()
}

// Get 按房间 ID 查找
func (h *Hub) Get(roomID string) (*Bridge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bridges[roomID]
	return b, ok
}

// RoomIDs 已登记的房间
func (h *Hub) RoomIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.bridges))
	for id := range h.bridges {
		ids = append(ids, id)
	}
	return ids
}

// ServeHTTP 需挂载在 "GET /ws/{roomId}"
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	if roomID == "" {
		roomID = strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	}
	b, ok := h.Get(roomID)
	if !ok {
		h.logger.Debug("no bridge for room", zap.String("room_id", roomID))
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	b.ServeHTTP(w, r)
}

// IsClosed 连接是否因正常关闭结束
func IsClosed(err error) bool {
	s := websocket.CloseStatus(err)
	return s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway || errors.Is(err, context.Canceled)
}
