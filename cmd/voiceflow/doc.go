// Copyright (c) VoiceFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 VoiceFlow worker 程序入口。

# 概述

cmd/voiceflow 加载 YAML/环境变量配置，组装语音管线与代理，加入房间并运行
一个会话，直到会话结束或收到 SIGINT/SIGTERM。同时提供房间与令牌相关的
运维子命令。

# 核心类型

  - Server     — 组装指标、遥测、转写存储、A2A 目录与 worker，管理调试/Metrics 双端口
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、room create|validate、token、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、RequestLogger、
    MetricsMiddleware、CORS、RateLimiter（基于 IP）、APIKeyAuth（X-API-Key）
  - 调试端口：/health、/ready、/version、/api/v1/*、/ws/{roomId}
  - Metrics 端口：/metrics（Prometheus）
  - 优雅关闭：worker → HTTP → Metrics → 数据库 → Redis → 遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
