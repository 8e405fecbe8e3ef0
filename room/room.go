package room

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/eventbus"
)

// 房间事件类型
const (
	EventMeetingJoined     = "meeting-joined"
	EventMeetingLeft       = "meeting-left"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventStreamEnabled     = "stream-enabled"
	EventStreamDisabled    = "stream-disabled"
	EventError             = "error"
	// EventTranscript 桥接端下行的转写，不影响房间状态
	EventTranscript = "transcript"
)

// 流类型
const (
	StreamAudio = "audio"
	StreamVideo = "video"
)

// ReasonAllParticipantsLeft 参会者全部离开后自动结束
const ReasonAllParticipantsLeft = "all participants left"

// ReasonMeetingLeft 代理离开会议
const ReasonMeetingLeft = "meeting left"

// Participant 参会者
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsLocal      bool   `json:"isLocal,omitempty"`
	IsAgent      bool   `json:"isAgent,omitempty"`
	AudioEnabled bool   `json:"audioEnabled,omitempty"`
	VideoEnabled bool   `json:"videoEnabled,omitempty"`
}

// Event SDK 事件，桥接端以 JSON 文本消息传输
type Event struct {
	Type        string         `json:"type"`
	Participant *Participant   `json:"participant,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Options 房间选项
type Options struct {
	RoomID string
	// 代理显示名，同名参会者视为代理
	Name               string
	AgentParticipantID string
	AutoEndSession     bool
	// 最后一位用户离开后等待的时长，<=0 立即结束
	SessionTimeout time.Duration
	Recording      bool
}

// Room 跟踪参会者，在用户全部离开后结束会话
type Room struct {
	opts   Options
	client *Client
	bus    *eventbus.Bus
	logger *zap.Logger

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
	localID      string
	joined       bool
	joinSignal   chan struct{}
	endFns       []func(reason string)
	endTimer     *time.Timer
	endGen       uint64
	ended        bool
	recording    map[string]bool
}

// New 创建房间。client 为 nil 时不录制。
func New(opts Options, client *Client, logger *zap.Logger) *Room {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "room"), zap.String("room_id", opts.RoomID))
	return &Room{
		opts:         opts,
		client:       client,
		bus:          eventbus.New(logger),
		logger:       logger,
		participants: make(map[string]*Participant),
		joinSignal:   make(chan struct{}),
		recording:    make(map[string]bool),
	}
}

func (r *Room) ID() string                 { r.mu.Lock(); defer r.mu.Unlock(); return r.opts.RoomID }
func (r *Room) SetID(id string)            { r.mu.Lock(); r.opts.RoomID = id; r.mu.Unlock() }
func (r *Room) Events() *eventbus.Bus      { return r.bus }
func (r *Room) Joined() bool               { r.mu.Lock(); defer r.mu.Unlock(); return r.joined }
func (r *Room) Ended() bool                { r.mu.Lock(); defer r.mu.Unlock(); return r.ended }
func (r *Room) LocalParticipantID() string { r.mu.Lock(); defer r.mu.Unlock(); return r.localID }

// HandleEvent 更新房间状态并把事件转发到事件总线
func (r *Room) HandleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventMeetingJoined:
		r.onMeetingJoined(ctx, ev)
	case EventMeetingLeft:
		r.onMeetingLeft(ctx)
	case EventParticipantJoined:
		r.onParticipantJoined(ctx, ev)
	case EventParticipantLeft:
		r.onParticipantLeft(ev)
	case EventStreamEnabled, EventStreamDisabled:
		r.onStream(ev)
	case EventError:
		r.logger.Error("room error", zap.Any("data", ev.Data))
	}
	r.bus.Emit(ev.Type, ev)
}

func (r *Room) onMeetingJoined(ctx context.Context, ev Event) {
	r.mu.Lock()
	r.joined = true
	r.ended = false
	if ev.Participant != nil {
		r.localID = ev.Participant.ID
	} else if r.opts.AgentParticipantID != "" {
		r.localID = r.opts.AgentParticipantID
	}
	localID := r.localID
	r.mu.Unlock()

	r.logger.Info("agent joined the meeting", zap.String("participant_id", localID))
	if localID != "" {
		r.startRecording(ctx, localID)
	}
}

func (r *Room) onMeetingLeft(ctx context.Context) {
	r.mu.Lock()
	r.joined = false
	r.stopTimerLocked()
	r.participants = make(map[string]*Participant)
	r.order = nil
	recorded := make([]string, 0, len(r.recording))
	for id := range r.recording {
		recorded = append(recorded, id)
	}
	r.recording = make(map[string]bool)
	r.mu.Unlock()

	r.logger.Info("agent left the meeting")
	r.stopRecordings(ctx, recorded)
	r.end(ReasonMeetingLeft)
}

func (r *Room) onParticipantJoined(ctx context.Context, ev Event) {
	if ev.Participant == nil || ev.Participant.ID == "" {
		return
	}
	p := *ev.Participant
	r.mu.Lock()
	p.IsAgent = r.isAgentLocked(p)
	if _, exists := r.participants[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.participants[p.ID] = &p
	first := len(r.participants) == 1
	if r.nonAgentCountLocked() > 0 {
		r.stopTimerLocked()
	}
	close(r.joinSignal)
	r.joinSignal = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("participant joined",
		zap.String("participant_id", p.ID),
		zap.String("name", p.Name),
		zap.Bool("agent", p.IsAgent),
	)
	if first && !p.IsAgent {
		r.startRecording(ctx, p.ID)
	}
}

func (r *Room) onParticipantLeft(ev Event) {
	if ev.Participant == nil {
		return
	}
	id := ev.Participant.ID
	r.mu.Lock()
	if _, ok := r.participants[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.participants, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	remaining := r.nonAgentCountLocked()
	schedule := remaining == 0 && r.opts.AutoEndSession && !r.ended
	timeout := r.opts.SessionTimeout
	if schedule && timeout > 0 {
		r.stopTimerLocked()
		gen := r.endGen
		r.endTimer = time.AfterFunc(timeout, func() { r.endAfterTimeout(gen) })
	}
	r.mu.Unlock()

	r.logger.Info("participant left", zap.String("participant_id", id), zap.Int("remaining", remaining))
	if !schedule {
		return
	}
	if timeout > 0 {
		r.logger.Info("all participants left, session end scheduled", zap.Duration("timeout", timeout))
		return
	}
	r.end(ReasonAllParticipantsLeft)
}

func (r *Room) onStream(ev Event) {
	if ev.Participant == nil {
		return
	}
	enabled := ev.Type == EventStreamEnabled
	r.mu.Lock()
	p, ok := r.participants[ev.Participant.ID]
	if ok {
		switch ev.Kind {
		case StreamAudio:
			p.AudioEnabled = enabled
		case StreamVideo:
			p.VideoEnabled = enabled
		}
	}
	r.mu.Unlock()
	if ok {
		r.logger.Debug("stream changed",
			zap.String("participant_id", ev.Participant.ID),
			zap.String("kind", ev.Kind),
			zap.Bool("enabled", enabled),
		)
	}
}

// isAgentLocked 名称含 agent、与代理同名或是本地参会者
func (r *Room) isAgentLocked(p Participant) bool {
	if p.IsAgent || p.IsLocal {
		return true
	}
	if r.localID != "" && p.ID == r.localID {
		return true
	}
	if r.opts.AgentParticipantID != "" && p.ID == r.opts.AgentParticipantID {
		return true
	}
	name := strings.ToLower(p.Name)
	return strings.Contains(name, "agent") || (r.opts.Name != "" && name == strings.ToLower(r.opts.Name))
}

func (r *Room) nonAgentCountLocked() int {
	n := 0
	for _, p := range r.participants {
		if !p.IsAgent {
			n++
		}
	}
	return n
}

func (r *Room) stopTimerLocked() {
	r.endGen++
	if r.endTimer != nil {
		r.endTimer.Stop()
		r.endTimer = nil
	}
}

// endAfterTimeout 计时到期。计时已被取消或期间有参会者重新加入时不结束
func (r *Room) endAfterTimeout(gen uint64) {
	r.mu.Lock()
	if gen != r.endGen || r.nonAgentCountLocked() > 0 {
		r.mu.Unlock()
		return
	}
	r.finishLocked(ReasonAllParticipantsLeft)
}

// end 只触发一次，回调按注册顺序执行
func (r *Room) end(reason string) {
	r.mu.Lock()
	r.finishLocked(reason)
}

// finishLocked 持锁进入，返回前释放锁
func (r *Room) finishLocked(reason string) {
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.stopTimerLocked()
	fns := append([]func(string){}, r.endFns...)
	r.mu.Unlock()

	r.logger.Info("session ended", zap.String("reason", reason))
	for _, fn := range fns {
		fn(reason)
	}
}

// OnSessionEnd 注册会话结束回调，可多次注册
func (r *Room) OnSessionEnd(fn func(reason string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.endFns = append(r.endFns, fn)
	r.mu.Unlock()
}

// Participants 按加入顺序返回参会者副本
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.participants[id])
	}
	return out
}

// Participant 按 ID 查找
func (r *Room) Participant(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// WaitForParticipant 等待指定参会者加入；id 为空时等待首个非代理参会者
func (r *Room) WaitForParticipant(ctx context.Context, id string) (string, error) {
	for {
		r.mu.Lock()
		found, ok := r.findLocked(id)
		signal := r.joinSignal
		r.mu.Unlock()
		if ok {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-signal:
		}
	}
}

func (r *Room) findLocked(id string) (string, bool) {
	if id != "" {
		_, ok := r.participants[id]
		return id, ok
	}
	for _, pid := range r.order {
		if !r.participants[pid].IsAgent {
			return pid, true
		}
	}
	return "", false
}

// Close 停止自动结束计时
func (r *Room) Close() {
	r.mu.Lock()
	r.stopTimerLocked()
	r.mu.Unlock()
}

func (r *Room) startRecording(ctx context.Context, participantID string) {
	if !r.opts.Recording || r.client == nil {
		return
	}
	r.mu.Lock()
	if r.recording[participantID] {
		r.mu.Unlock()
		return
	}
	r.recording[participantID] = true
	roomID := r.opts.RoomID
	r.mu.Unlock()

	if err := r.client.StartRecording(ctx, roomID, participantID, nil); err != nil {
		r.logger.Error("start recording failed", zap.String("participant_id", participantID), zap.Error(err))
	}
}

func (r *Room) stopRecordings(ctx context.Context, ids []string) {
	if !r.opts.Recording || r.client == nil || len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	roomID := r.ID()
	for _, id := range ids {
		if err := r.client.StopRecording(ctx, roomID, id); err != nil {
			r.logger.Error("stop recording failed", zap.String("participant_id", id), zap.Error(err))
		}
	}
	if err := r.client.MergeRecordings(ctx, roomID, ids[0]); err != nil {
		r.logger.Error("merge recordings failed", zap.Error(err))
	}
}
