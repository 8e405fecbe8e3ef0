// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 conversation 管理语音会话的对话上下文与转写持久化。

# 概述

ChatContext 是一个按时间顺序追加的条目列表，条目分三类：
message（带角色的消息）、function_call（模型发起的工具调用）与
function_call_output（工具结果）。会话、对话流程与 A2A 协议会并发
读写同一个上下文，所有方法都是并发安全的。

# 主要能力

  - 追加：AddMessage / AddFunctionCall / AddFunctionOutput
  - 过滤复制：Copy 可排除系统消息、工具调用，或只保留指定工具的调用
  - 截断：Truncate 保留最近 N 条且不以半截工具交互开头，系统消息
    会被放回首位；TruncateTokens 按 token 预算丢弃最旧条目
  - 转换：ToMessages 生成发给 LLM 的消息列表，连续的 function_call
    合并为一条带 tool_calls 的 assistant 消息
  - 序列化：MarshalJSON / UnmarshalJSON

# 持久化

Store 按会话 ID 保存与加载转写。GormStore 使用 voice_sessions 与
voice_chat_items 两张表，写入通过 database.PoolManager 的重试事务完成。
*/
package conversation
