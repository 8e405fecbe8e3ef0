// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 worker 的 HTTP 监听生命周期：调试 API（含 /ws/{roomId}
音频桥接）与 Prometheus /metrics 各自由一个 Manager 承载。

  - Start 非阻塞，支持 ":0" 随机端口，ListenAddr 返回实际地址。
  - Wait 阻塞到 ctx 结束或监听异常退出，然后关闭。信号由调用方处理。
  - Shutdown 幂等，在 ShutdownTimeout 内排空请求。
  - 默认 WriteTimeout 为 0，WebSocket 长连接不会被写超时切断。
*/
package server
