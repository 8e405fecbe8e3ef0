// Package telemetry 封装 OpenTelemetry SDK 初始化，并提供语音轮次 span 的创建入口。
// 遥测关闭时使用 noop 实现，不连接任何外部服务。
package telemetry
