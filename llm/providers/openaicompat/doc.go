// Package openaicompat 实现 OpenAI Chat Completions 兼容接口的 llm.Provider。
//
// 非流式请求走 POST {base}/v1/chat/completions，流式请求解析 SSE
// 的 "data:" 行直到 "[DONE]"，工具调用片段按 index 透出，由调用方
// 使用 llm.ToolCallAccumulator 拼接。HTTP 错误经 llm.MapHTTPError 映射。
package openaicompat
