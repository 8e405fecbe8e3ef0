package llm

import (
	"encoding/json"
	"sort"
	"strings"
)

// ToolCallAccumulator 按 index 拼接流式工具调用片段
type ToolCallAccumulator struct {
	calls map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// NewToolCallAccumulator 创建聚合器
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*partialCall)}
}

// Add 合并一批片段。ID 与 Name 只在首次出现时记录，Arguments 追加。
func (a *ToolCallAccumulator) Add(deltas []ToolCallDelta) {
	for _, d := range deltas {
		pc, ok := a.calls[d.Index]
		if !ok {
			pc = &partialCall{}
			a.calls[d.Index] = pc
		}
		if d.ID != "" && pc.id == "" {
			pc.id = d.ID
		}
		if d.Name != "" && pc.name == "" {
			pc.name = d.Name
		}
		pc.args.WriteString(d.Arguments)
	}
}

// Len 已聚合的调用数
func (a *ToolCallAccumulator) Len() int {
	return len(a.calls)
}

// Calls 按 index 顺序返回完整调用。空参数补为 {}。
func (a *ToolCallAccumulator) Calls() []ToolCall {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		pc := a.calls[i]
		args := strings.TrimSpace(pc.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}
