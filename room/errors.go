package room

import "errors"

var (
	// ErrMissingToken 未提供 VideoSDK 令牌
	ErrMissingToken = errors.New("room: auth token missing")
	// ErrMissingCredentials 生成令牌需要 API key 与 secret
	ErrMissingCredentials = errors.New("room: api key and secret are required")
	// ErrInvalidToken 令牌签名或声明无效
	ErrInvalidToken = errors.New("room: invalid token")
	// ErrMissingRoomID 需要房间 ID
	ErrMissingRoomID = errors.New("room: room id is required")
	// ErrBridgeBusy 该房间已有桥接连接
	ErrBridgeBusy = errors.New("room: bridge already connected")
	// ErrNotJoined 传输尚未加入房间
	ErrNotJoined = errors.New("room: transport not joined")
)
