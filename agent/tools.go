package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BaSui01/voiceflow/types"
)

// ToolHandler 工具执行函数，args 为 LLM 给出的 JSON 参数
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// FunctionTool 可被 LLM 调用的函数工具
type FunctionTool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     ToolHandler
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// NewFunctionTool 创建并校验工具。parameters 为空时使用空 object schema。
func NewFunctionTool(name, description string, parameters json.RawMessage, handler ToolHandler) (*FunctionTool, error) {
	t := &FunctionTool{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Handler:     handler,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(t.Parameters) == 0 {
		t.Parameters = emptyObjectSchema
	}
	return t, nil
}

// Validate 校验工具定义
func (t *FunctionTool) Validate() error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, t.Name)
	}
	if len(t.Parameters) == 0 {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal(t.Parameters, &schema); err != nil {
		return fmt.Errorf("%w: %s parameters must be a JSON object: %v", ErrInvalidTool, t.Name, err)
	}
	if typ, ok := schema["type"]; ok && typ != "object" {
		return fmt.Errorf("%w: %s parameters type must be object, got %v", ErrInvalidTool, t.Name, typ)
	}
	return nil
}

// Schema 转换为 LLM 工具定义
func (t *FunctionTool) Schema() types.ToolSchema {
	params := t.Parameters
	if len(params) == 0 {
		params = emptyObjectSchema
	}
	return types.ToolSchema{Name: t.Name, Description: t.Description, Parameters: params}
}

// ToolRegistry 按注册顺序保存工具，并发安全
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*FunctionTool
	order []string
}

// NewToolRegistry 创建工具注册表
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*FunctionTool)}
}

// Register 注册工具，同名工具被替换
func (r *ToolRegistry) Register(tools ...*FunctionTool) error {
	for _, t := range tools {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; !exists {
			r.order = append(r.order, t.Name)
		}
		r.tools[t.Name] = t
	}
	return nil
}

// Unregister 移除工具，返回是否存在
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get 查找工具
func (r *ToolRegistry) Get(name string) (*FunctionTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names 工具名列表（注册顺序）
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len 工具数量
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas 全部工具的 LLM 定义
func (r *ToolRegistry) Schemas() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	out := make([]types.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema())
	}
	return out
}

// Clear 清空注册表
func (r *ToolRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*FunctionTool)
	r.order = nil
}

// Execute 执行一次工具调用，返回 JSON 输出。字符串结果原样返回。
func (r *ToolRegistry) Execute(ctx context.Context, call types.ToolCall) (output string, err error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return "", types.NewError(types.ErrToolNotFound, "tool "+call.Name+" is not registered").WithCause(ErrToolNotFound)
	}

	args := call.Arguments
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = types.NewError(types.ErrToolExecution, fmt.Sprintf("tool %s panicked: %v", call.Name, rec))
		}
	}()

	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", types.NewError(types.ErrToolExecution, "tool "+call.Name+" failed").WithCause(err)
	}
	return encodeResult(result)
}

func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}
