// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义语音管线使用的对话模型抽象。

  - Provider：Completion / Stream / Name。流式结果通过 channel 返回，
    取消 ctx 即关闭底层 HTTP 连接。
  - StreamChunk：内容增量、按 index 的工具调用片段、结束原因或错误。
  - ToolCallAccumulator：把工具调用片段拼成完整 ToolCall。
  - MapHTTPError / ReadErrorMessage：供应商 HTTP 错误映射，
    对话模型与语音供应商共用。

具体实现见 providers/openaicompat，分词见 tokenizer，重试见 retry。
*/
package llm
