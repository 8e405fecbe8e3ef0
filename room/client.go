package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
	"github.com/BaSui01/voiceflow/llm/retry"
	"github.com/BaSui01/voiceflow/types"
)

const (
	// DefaultBaseURL VideoSDK REST 地址
	DefaultBaseURL = "https://api.videosdk.live"
	// DefaultPlaygroundURL 浏览器端调试页面
	DefaultPlaygroundURL = "https://playground.videosdk.live"

	providerName = "videosdk"
)

// ClientConfig REST 客户端配置
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	// 每秒请求数上限，<=0 使用 5
	RequestsPerSecond float64
	// 5xx、429 与网络错误的重试次数
	MaxRetry int
	Timeout  time.Duration
	// Retry 覆盖默认退避策略，主要用于测试
	Retry *retry.Policy
}

// Client VideoSDK REST API 客户端
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewClient 创建客户端
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	policy := retry.DefaultPolicy().WithMaxRetries(cfg.MaxRetry)
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	logger = logger.With(zap.String("component", "videosdk_client"))
	return &Client{
		cfg:     cfg,
		http:    tlsutil.SecureHTTPClient(cfg.Timeout),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

// AuthToken 当前使用的令牌
func (c *Client) AuthToken() string { return c.cfg.AuthToken }

// RoomInfo 房间信息
type RoomInfo struct {
	RoomID    string    `json:"roomId"`
	CustomID  string    `json:"customRoomId,omitempty"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// CreateRoom 创建新房间并返回 roomId
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	if c.cfg.AuthToken == "" {
		return "", types.NewError(types.ErrAuthTokenMissing,
			"videosdk auth token is required to create a room; set VIDEOSDK_AUTH_TOKEN").WithCause(ErrMissingToken)
	}
	var info RoomInfo
	if err := c.do(ctx, "create_room", http.MethodPost, "/v2/rooms", map[string]any{}, &info); err != nil {
		return "", types.NewError(types.ErrRoomCreateFailed, "create room").WithCause(err)
	}
	if info.RoomID == "" {
		return "", types.NewError(types.ErrRoomCreateFailed, "unexpected api response: missing roomId")
	}
	c.logger.Info("room created", zap.String("room_id", info.RoomID))
	return info.RoomID, nil
}

// ValidateRoom 校验房间是否存在
func (c *Client) ValidateRoom(ctx context.Context, roomID string) (RoomInfo, error) {
	if roomID == "" {
		return RoomInfo{}, ErrMissingRoomID
	}
	var info RoomInfo
	err := c.do(ctx, "validate_room", http.MethodGet, "/v2/rooms/validate/"+url.PathEscape(roomID), nil, &info)
	return info, err
}

type recordingRequest struct {
	RoomID        string         `json:"roomId"`
	ParticipantID string         `json:"participantId"`
	Config        map[string]any `json:"config,omitempty"`
}

// StartRecording 开始录制参会者
func (c *Client) StartRecording(ctx context.Context, roomID, participantID string, config map[string]any) error {
	return c.recording(ctx, "start", roomID, participantID, config)
}

// StopRecording 停止录制参会者
func (c *Client) StopRecording(ctx context.Context, roomID, participantID string) error {
	return c.recording(ctx, "stop", roomID, participantID, nil)
}

// MergeRecordings 合并会话中的录制
func (c *Client) MergeRecordings(ctx context.Context, roomID, participantID string) error {
	return c.recording(ctx, "merge", roomID, participantID, nil)
}

func (c *Client) recording(ctx context.Context, action, roomID, participantID string, config map[string]any) error {
	if roomID == "" {
		return ErrMissingRoomID
	}
	body := recordingRequest{RoomID: roomID, ParticipantID: participantID, Config: config}
	if err := c.do(ctx, "recording_"+action, http.MethodPost, "/v2/recordings/participant/"+action, body, nil); err != nil {
		return fmt.Errorf("%s recording: %w", action, err)
	}
	c.logger.Info("recording "+action,
		zap.String("room_id", roomID),
		zap.String("participant_id", participantID),
	)
	return nil
}

// do 限流后发送请求，可重试错误按退避策略重试
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	return c.retryer.Do(ctx, op, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", c.cfg.AuthToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return llm.TransportError(err, providerName)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return llm.MapHTTPError(resp.StatusCode, llm.ReadErrorMessage(resp.Body), providerName)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s response: %w", op, err))
		}
		return nil
	})
}

// PlaygroundURL 浏览器加入房间的调试链接
func PlaygroundURL(token, roomID string) string {
	return fmt.Sprintf("%s?token=%s&meetingId=%s",
		DefaultPlaygroundURL, url.QueryEscape(token), url.QueryEscape(roomID))
}
