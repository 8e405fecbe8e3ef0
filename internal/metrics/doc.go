// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的语音代理指标采集能力，覆盖
HTTP、会话、对话轮次、LLM、A2A 与数据库。

# 核心类型

  - Collector：指标收集器，使用 promauto 自动注册，按 namespace 隔离。
    nil Collector 的所有 Record 方法均为空操作，组件可选择不注入。

# 主要能力

  - 会话指标：开始总数、活跃数 Gauge、会话时长。
  - 轮次指标：轮次总数（按是否被打断）、各阶段延迟
    （stt / eou / llm_ttft / llm / tts_ttfb / e2e）。
  - 组件错误、打断次数、用户/代理状态转换计数。
  - A2A 消息计数，按 type/status 分组。
*/
package metrics
