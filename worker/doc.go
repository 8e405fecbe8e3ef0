// Package worker 把房间、传输与语音会话组装为可运行的作业。
//
// JobContext 负责单个房间：建房、加入传输、音频泵、会话结束与关闭回调。
// Worker 运行入口函数，跟踪活动会话并提供调试 HTTP 路由与 WebSocket 桥接。
package worker
