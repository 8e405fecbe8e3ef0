// Copyright (c) VoiceFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 VoiceFlow 调试 API 的请求处理器实现。

# 概述

handlers 包实现 worker 进程内置调试端口上的全部端点：
活动会话查询与控制、A2A 代理注册表查询、健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - SessionHandler   — 会话列表、详情、轮次延迟、转写、say/interrupt
  - AgentHandler     — A2A 注册表中的代理卡片，支持 domain/capability 过滤
  - HealthHandler    — 存活与就绪检查（/health, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码，支持 WebSocket 升级
  - HealthCheck      — 可插拔健康检查接口，PingCheck 包装任意 ping 函数

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（会话关闭 410、回复进行中 409 等）
  - 转写读取：活动会话读内存上下文，已结束会话经 TranscriptLoader 读取存储
*/
package handlers
