package worker

import "errors"

var (
	// ErrNotConnected 尚未 Connect 或已关闭
	ErrNotConnected = errors.New("worker: job not connected")
	// ErrNoTransport 既没有传输也没有传输工厂
	ErrNoTransport = errors.New("worker: no transport configured")
	// ErrShuttingDown 作业或 worker 正在关闭
	ErrShuttingDown = errors.New("worker: shutting down")
	// ErrRoomInUse 同一房间已有作业在运行
	ErrRoomInUse = errors.New("worker: room already has a running job")
	// ErrUnknownMode 管线模式不是 cascading/realtime
	ErrUnknownMode = errors.New("worker: unknown pipeline mode")
	// ErrUnknownProvider 不支持的 STT/TTS/realtime 提供方
	ErrUnknownProvider = errors.New("worker: unknown provider")
)
