// Package tokenizer 提供 token 计数，用于对话上下文的 token 预算截断。
// ForModel 优先使用 tiktoken，编码数据不可用时退回字符估算器。
package tokenizer
