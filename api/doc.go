// Package api 定义 VoiceFlow 调试 API 的响应类型。
//
// # API Overview
//
// 调试 API 由 worker 在 server.debug_port 上提供，只读为主：
//   - GET  /health、/ready、/version
//   - GET  /api/v1/sessions             活动会话
//   - GET  /api/v1/sessions/{id}        单个会话
//   - GET  /api/v1/sessions/{id}/turns  每轮延迟与文本
//   - GET  /api/v1/sessions/{id}/transcript 已持久化的对话
//   - POST /api/v1/sessions/{id}/say    让代理朗读文本
//   - POST /api/v1/sessions/{id}/interrupt
//   - GET  /api/v1/agents               A2A 注册表
//   - GET  /ws/{roomId}                 WebSocket 音频桥接
//
// # Authentication
//
// 配置了 server.api_keys 时，/api/v1/* 需要 X-API-Key 请求头。
// /metrics 在单独的端口上提供。
package api
