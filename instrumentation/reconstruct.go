package instrumentation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/llm"
)

// 流中缺少对应元数据时使用的回退值
const (
	DefaultResponseID   = "chatcmpl-instrumented"
	DefaultModel        = "unknown"
	DefaultFinishReason = "stop"
)

// Reconstructor 消费流式 chunk，逐片记录到 Store，并重建非流式响应
type Reconstructor struct {
	store     *tracestore.Store
	estimator UsageEstimator
	provider  string
	now       func() time.Time
}

// NewReconstructor 创建 Reconstructor；store 为 nil 时使用 tracestore.Default()，
// estimator 为 nil 时按词计数
func NewReconstructor(store *tracestore.Store, provider string, estimator UsageEstimator) *Reconstructor {
	if store == nil {
		store = tracestore.Default()
	}
	if estimator == nil {
		estimator = WordCountEstimator{}
	}
	return &Reconstructor{
		store:     store,
		estimator: estimator,
		provider:  provider,
		now:       time.Now,
	}
}

// Reconstruct 读取 chunks 直到通道关闭，然后结束当前 turn 并返回重建的响应。
// 遇到带 Err 的 chunk 或 ctx 取消时返回包装了 ErrStreamInterrupted 的错误，且不结束 turn.
func (r *Reconstructor) Reconstruct(ctx context.Context, chunks <-chan llm.StreamChunk) (*llm.ChatResponse, error) {
	resp, _, err := r.reconstruct(ctx, chunks)
	return resp, err
}

func (r *Reconstructor) reconstruct(ctx context.Context, chunks <-chan llm.StreamChunk) (*llm.ChatResponse, tracestore.TurnTrace, error) {
	var (
		content strings.Builder
		seen    bool
		id      string
		model   string
		created time.Time
		finish  string
		usage   *llm.ChatUsage
		calls   toolCallMerger
	)

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, tracestore.TurnTrace{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				return nil, tracestore.TurnTrace{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, chunk.Err)
			}
			if !seen {
				seen = true
				id, model, created = chunk.ID, chunk.Model, chunk.CreatedAt
			}
			if chunk.Usage != nil && !chunk.Usage.IsZero() {
				u := *chunk.Usage
				usage = &u
			}
			// 只重建第一个 choice
			if chunk.Index != 0 {
				continue
			}
			if chunk.Delta.Content != "" {
				content.WriteString(chunk.Delta.Content)
				r.store.RecordToken(chunk.Delta.Content)
			}
			calls.add(chunk.Delta.ToolCalls)
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
	}

	// 生产方在 ctx 取消时会静默关闭通道
	if err := ctx.Err(); err != nil {
		return nil, tracestore.TurnTrace{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
	}

	text := content.String()
	trace, _ := r.store.EndTurn(text)

	if id == "" {
		id = DefaultResponseID
	}
	if model == "" {
		model = DefaultModel
	}
	if created.IsZero() {
		created = r.now()
	}
	if finish == "" {
		finish = DefaultFinishReason
	}
	if usage == nil {
		completion := r.estimator.EstimateCompletionTokens(model, text)
		usage = &llm.ChatUsage{
			PromptTokens:     0,
			CompletionTokens: completion,
			TotalTokens:      completion,
		}
	}

	return &llm.ChatResponse{
		ID:       id,
		Provider: r.provider,
		Model:    model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: finish,
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   text,
				ToolCalls: calls.calls,
			},
		}},
		Usage:     *usage,
		CreatedAt: created,
	}, trace, nil
}

// toolCallMerger 将流式工具调用分片合并为完整调用。
// 带 ID 的分片开启一个新调用，不带 ID 的分片追加到最后一个调用.
type toolCallMerger struct {
	calls []llm.ToolCall
}

func (m *toolCallMerger) add(fragments []llm.ToolCall) {
	for _, f := range fragments {
		if f.ID != "" || len(m.calls) == 0 {
			call := llm.ToolCall{ID: f.ID, Name: f.Name}
			if len(f.Arguments) > 0 {
				call.Arguments = append([]byte(nil), f.Arguments...)
			}
			m.calls = append(m.calls, call)
			continue
		}
		last := &m.calls[len(m.calls)-1]
		if f.Name != "" && last.Name == "" {
			last.Name = f.Name
		}
		last.Arguments = append(last.Arguments, f.Arguments...)
	}
}
