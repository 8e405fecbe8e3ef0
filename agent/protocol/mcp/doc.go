// Package mcp 是 Model Context Protocol 的客户端实现，只消费 MCP 服务器提供的工具。
//
// 支持两种传输：StdioServer 以子进程方式启动服务器，按行收发 JSON-RPC；
// HTTPServer 使用 streamable HTTP，响应可以是 JSON 或带 data: 行的 SSE。
// Manager 连接全部服务器，并把 tools/list 返回的工具包装成 agent.FunctionTool。
package mcp
