// Package tlsutil 为所有出站连接（VideoSDK REST、LLM/STT/TTS 提供方、
// Realtime 与 Deepgram 的 WebSocket、MCP HTTP 传输）提供统一的 TLS 设置。
//
// 最低 TLS 1.2；TLS 1.2 下只协商 AEAD 套件（TLS 1.3 套件由 Go 运行时固定）。
package tlsutil
