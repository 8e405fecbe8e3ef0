// Package config 提供 VoiceFlow 的配置加载。
//
// 默认值 → YAML 文件 → 兼容的供应商密钥变量（OPENAI_API_KEY 等）
// → VOICEFLOW_ 前缀环境变量，按此顺序逐层覆盖。
package config
