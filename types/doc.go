// Copyright (c) VoiceFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 voiceflow 运行时的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 agent、llm、room
等上层模块提供统一的类型契约。

# 核心类型

  - Role / Message    — 对话消息（system / user / assistant / tool）
  - ToolCall          — LLM 发起的工具调用
  - ToolSchema        — 工具定义（name + description + JSON Schema parameters）
  - Error / ErrorCode — 结构化错误，含 HTTP 状态码、Retryable、Provider 标记

# 错误工具

  - NewError(...).WithCause(...).WithRetryable(...)
  - GetErrorCode / IsErrorCode / IsRetryable 支持 errors.As 链式查找
*/
package types
