// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 voice 实现实时语音会话的管线编排。

# 概述

一个 AgentSession 绑定一个 agent.Agent 与一条 Pipeline。级联管线
（CascadingPipeline）按 VAD -> STT -> 轮次检测 -> LLM -> TTS 的顺序
处理音频；实时管线（RealtimePipeline）把音频直接交给端到端的
RealtimeModel（OpenAI Realtime）。

# 核心类型

  - VAD / EnergyVAD：基于 RMS 能量的语音活动检测
  - TurnDetector / HeuristicTurnDetector：语句结束（EOU）概率估计
  - ConversationFlow：转写累积、轮次确定、LLM 流式生成、工具调用与打断
  - Hooks：用户可覆盖的轮次钩子，Run 包裹 ProcessWithLLM
  - AgentSession：用户/代理状态机、唤醒定时器、关闭顺序
  - TurnCollector：逐轮延迟采集，写入 Prometheus 与 OpenTelemetry

# 事件

会话事件总线上发布 user_state_changed、agent_state_changed、
transcript、text_response 与 error。
*/
package voice
