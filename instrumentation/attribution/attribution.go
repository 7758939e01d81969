package attribution

import (
	"context"
	"sync"
)

// Unknown 是未绑定 agent 时返回的哨兵值
const Unknown = "unknown"

type contextKey struct{}

// binding 是 context 中保存的归属来源：固定 id 或可变的 Holder
type binding interface {
	current() string
}

type staticID string

func (s staticID) current() string { return string(s) }

func normalize(id string) string {
	if id == "" {
		return Unknown
	}
	return id
}

// AgentID 返回 ctx 当前绑定的 agent id，未绑定时返回 Unknown
func AgentID(ctx context.Context) string {
	if ctx == nil {
		return Unknown
	}
	b, ok := ctx.Value(contextKey{}).(binding)
	if !ok {
		return Unknown
	}
	return normalize(b.current())
}

// WithAgentID 返回绑定了 id 的子 context
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, staticID(normalize(id)))
}

// Clear 返回绑定为 Unknown 的子 context
func Clear(ctx context.Context) context.Context {
	return WithAgentID(ctx, Unknown)
}

// Scoped 在绑定 id 的 context 中执行 fn。
// 调用方的 ctx 不会被修改，fn 返回（包括出错或 panic）后外层归属保持不变。
func Scoped(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return fn(WithAgentID(ctx, id))
}

// Holder 是一个可变的归属槽位，供无法逐层传递 context 的宿主使用。
// 每个执行上下文（例如每个 agent goroutine）应持有自己的 Holder。
type Holder struct {
	mu sync.RWMutex
	id string
}

// NewHolder 创建初始值为 Unknown 的 Holder
func NewHolder() *Holder {
	return &Holder{id: Unknown}
}

func (h *Holder) current() string { return h.Get() }

// Get 返回当前 agent id
func (h *Holder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return normalize(h.id)
}

// Set 设置当前 agent id
func (h *Holder) Set(id string) {
	h.mu.Lock()
	h.id = normalize(id)
	h.mu.Unlock()
}

// Clear 将当前 agent id 重置为 Unknown
func (h *Holder) Clear() {
	h.Set(Unknown)
}

// Scoped 在 fn 执行期间将 id 设为当前值，返回时恢复之前的值
func (h *Holder) Scoped(id string, fn func() error) error {
	prev := h.Get()
	h.Set(id)
	defer h.Set(prev)
	return fn()
}

// WithHolder 将 Holder 绑定到 ctx；AgentID 在调用时读取 Holder 的当前值
func WithHolder(ctx context.Context, h *Holder) context.Context {
	if h == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, h)
}
