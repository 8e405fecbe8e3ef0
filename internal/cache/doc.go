// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 封装 go-redis 客户端，为 A2A 跨进程目录提供键值与集合存储。

  - Manager：连接管理、Get/Set/GetJSON/SetJSON/Delete、
    SAdd/SRem/SMembers 集合操作与 Scan 遍历。
  - Key 按配置前缀（默认 "voiceflow:"）拼接键名。
  - 后台健康检查定时 Ping，Close 后停止。
  - ErrCacheMiss / ErrClosed 哨兵错误。
*/
package cache
