// Package retry 提供指数退避重试，用于房间 REST 连接阶段。
// 语音管线本身不重试，供应商错误直接透传给调用方。
package retry
