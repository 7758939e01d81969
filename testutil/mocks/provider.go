// MockProvider 的 LLM 提供商测试模拟实现。
//
// 按脚本输出流式 chunk，支持用量块、工具调用分片、
// 打开流失败、中途断流与非流式错误注入。
package mocks

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/streamtap/llm"
	"github.com/google/uuid"
)

// --- MockProvider 结构 ---

// MockProvider 是 LLM Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	// 响应配置
	name         string
	model        string
	response     string
	streamChunks []string
	toolCalls    []llm.ToolCall
	finishReason string

	// Token 使用统计；为零时流中不发送用量块
	promptTokens     int
	completionTokens int
	streamUsage      *bool

	// 错误注入
	completionErr error
	streamOpenErr error
	streamFailAt  int // 发送前 N 个块后中断，<0 表示不中断
	streamFailErr *llm.Error

	delay time.Duration // 每个块之间的延迟

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// CallKind 区分调用类型
type CallKind string

const (
	CallCompletion CallKind = "completion"
	CallStream     CallKind = "stream"
)

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Kind    CallKind
	Request *llm.ChatRequest
	Error   error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:         "mock",
		model:        "mock-model",
		response:     "Mock response",
		finishReason: "stop",
		streamFailAt: -1,
	}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithModel 设置请求未指定模型时使用的模型
func (m *MockProvider) WithModel(model string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
	return m
}

// WithResponse 设置非流式响应内容；未设置流式块时也作为单个流式块
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = append([]string(nil), chunks...)
	return m
}

// WithToolCalls 设置工具调用；流式时每个调用拆成名称与参数两片
func (m *MockProvider) WithToolCalls(toolCalls []llm.ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls = toolCalls
	m.finishReason = "tool_calls"
	return m
}

// WithFinishReason 设置结束原因；空字符串表示流中不携带结束原因
func (m *MockProvider) WithFinishReason(reason string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishReason = reason
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithStreamUsageSupport 声明是否支持 stream_options.include_usage
func (m *MockProvider) WithStreamUsageSupport(supported bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamUsage = &supported
	return m
}

// WithError 设置非流式调用返回的错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionErr = err
	return m
}

// WithStreamOpenError 设置打开流时返回的错误
func (m *MockProvider) WithStreamOpenError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamOpenErr = err
	return m
}

// WithStreamFailure 在发送 after 个块后发送一个错误块并关闭流
func (m *MockProvider) WithStreamFailure(after int, err *llm.Error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = &llm.Error{
			Code:       llm.ErrStreamInterrupted,
			Message:    "mock provider: stream interrupted",
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   m.name,
		}
	}
	m.streamFailAt = after
	m.streamFailErr = err
	return m
}

// WithDelay 设置流式块之间的延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// SupportsNativeFunctionCalling 返回是否支持原生函数调用
func (m *MockProvider) SupportsNativeFunctionCalling() bool {
	return true
}

// SupportsStreamUsage 未显式设置时视为支持
func (m *MockProvider) SupportsStreamUsage() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamUsage == nil || *m.streamUsage
}

// ListModels 返回可用模型列表
func (m *MockProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	return []llm.Model{{ID: m.model, Object: "model", OwnedBy: m.name}}, nil
}

// HealthCheck 执行健康检查
func (m *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{
		Healthy:   true,
		Latency:   10 * time.Millisecond,
		ErrorRate: 0,
	}, nil
}

func (m *MockProvider) modelFor(req *llm.ChatRequest) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return m.model
}

func (m *MockProvider) record(kind CallKind, req *llm.ChatRequest, err error) {
	m.calls = append(m.calls, MockProviderCall{Kind: kind, Request: req, Error: err})
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	if m.completionErr != nil {
		err := m.completionErr
		m.record(CallCompletion, req, err)
		m.mu.Unlock()
		return nil, err
	}
	if fn := m.completionFunc; fn != nil {
		m.mu.Unlock()
		resp, err := fn(ctx, req)
		m.mu.Lock()
		m.record(CallCompletion, req, err)
		m.mu.Unlock()
		return resp, err
	}
	defer m.mu.Unlock()

	resp := &llm.ChatResponse{
		ID:       "chatcmpl-" + uuid.NewString(),
		Provider: m.name,
		Model:    m.modelFor(req),
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: m.finishReason,
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   m.response,
				ToolCalls: m.toolCalls,
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
	m.record(CallCompletion, req, nil)
	return resp, nil
}

// Stream 按脚本输出流式响应
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	if m.streamOpenErr != nil {
		err := m.streamOpenErr
		m.record(CallStream, req, err)
		m.mu.Unlock()
		return nil, err
	}
	if fn := m.streamFunc; fn != nil {
		m.mu.Unlock()
		ch, err := fn(ctx, req)
		m.mu.Lock()
		m.record(CallStream, req, err)
		m.mu.Unlock()
		return ch, err
	}

	chunks := m.scriptLocked(req)
	failAt, failErr := m.streamFailAt, m.streamFailErr
	delay := m.delay
	m.record(CallStream, req, nil)
	m.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i, chunk := range chunks {
			if failAt >= 0 && i == failAt {
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{Err: failErr}:
				}
				return
			}
			if delay > 0 && i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
		if failAt >= len(chunks) {
			select {
			case <-ctx.Done():
			case ch <- llm.StreamChunk{Err: failErr}:
			}
		}
	}()

	return ch, nil
}

// scriptLocked 生成本次流式调用的全部 chunk，调用方需持有锁
func (m *MockProvider) scriptLocked(req *llm.ChatRequest) []llm.StreamChunk {
	id := "chatcmpl-" + uuid.NewString()
	model := m.modelFor(req)
	created := time.Now()
	base := func() llm.StreamChunk {
		return llm.StreamChunk{ID: id, Provider: m.name, Model: model, CreatedAt: created}
	}

	parts := m.streamChunks
	if len(parts) == 0 && m.response != "" {
		parts = []string{m.response}
	}

	var out []llm.StreamChunk
	for _, p := range parts {
		c := base()
		c.Delta = llm.Message{Role: llm.RoleAssistant, Content: p}
		out = append(out, c)
	}
	for _, tc := range m.toolCalls {
		head := base()
		head.Delta = llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: tc.ID, Name: tc.Name}}}
		args := base()
		args.Delta = llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Arguments: tc.Arguments}}}
		out = append(out, head, args)
	}
	if m.finishReason != "" {
		if len(out) == 0 {
			out = append(out, base())
		}
		out[len(out)-1].FinishReason = m.finishReason
	}

	wantUsage := req != nil && req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	supported := m.streamUsage == nil || *m.streamUsage
	if wantUsage && supported && (m.promptTokens > 0 || m.completionTokens > 0) {
		u := base()
		u.Usage = &llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		}
		out = append(out, u)
	}
	return out
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

// GetCallCount 获取指定类型的调用次数
func (m *MockProvider) GetCallCount(kind CallKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// GetLastCall 获取最后一次调用
func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset 清空调用记录与错误注入
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.completionErr = nil
	m.streamOpenErr = nil
	m.streamFailAt = -1
	m.streamFailErr = nil
}

// --- 预设 Provider 工厂 ---

// NewStreamProvider 创建按给定片段流式输出的 Provider
func NewStreamProvider(chunks []string) *MockProvider {
	return NewMockProvider().WithStreamChunks(chunks)
}

// NewBrokenStreamProvider 创建流式中途断开、非流式返回 response 的 Provider
func NewBrokenStreamProvider(after int, response string) *MockProvider {
	return NewMockProvider().
		WithResponse(response).
		WithStreamChunks([]string{"partial", " output"}).
		WithStreamFailure(after, nil)
}
