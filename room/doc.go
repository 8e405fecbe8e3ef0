// Package room 连接 VideoSDK 房间：REST 客户端（建房、校验、录制）、
// 加入令牌、参会者跟踪与会话自动结束，以及基于 WebSocket 的音频桥接传输。
package room
