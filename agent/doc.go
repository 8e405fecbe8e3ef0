// Copyright 2024 VoiceFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent provides the voice agent definition for VoiceFlow.

# Overview

An Agent bundles the instructions given to the LLM, the function tools it
may call, and the chat context shared with the pipeline. The instructions
are stored as the first system message of the chat context and replaced in
place by SetInstructions.

# Core Components

	┌──────────────────────────────────────────────┐
	│                   Agent                      │
	│  (ID, Instructions, ChatContext, Lifecycle)  │
	├───────────────┬──────────────┬───────────────┤
	│ ToolRegistry  │  ToolSource  │   Session     │
	│ (FunctionTool)│  (MCP tools) │ (back-ref)    │
	└───────────────┴──────────────┴───────────────┘

Lifecycle: OnEnter is called before the pipeline starts and OnExit when the
session closes. Embed BaseLifecycle to override only one of them.

Tools: FunctionTool pairs a JSON object schema with a Go handler.
ToolRegistry.Execute runs a tool call and returns its JSON output, or an
error wrapping ErrToolNotFound for unknown tools.

MCP: tools exposed by MCP servers are imported through a ToolSource (see
the agent/mcp package) when ConnectMCP is called.

A2A: the a2a.Protocol attaches itself through SetA2A and records the last
sender of forwarded queries so responses can be routed back.
*/
package agent
