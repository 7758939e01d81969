// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertTurnConsistent(t, trace)
// =============================================================================
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/llm"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertTurnConsistent 断言 turn 轨迹自洽：
// seq 从 0 连续递增，时间戳落在 turn 区间内，片段拼接等于内容（内容非空时）。
func AssertTurnConsistent(t *testing.T, trace tracestore.TurnTrace) {
	t.Helper()

	if trace.DurationMs < 0 {
		t.Errorf("turn %d: negative duration %f", trace.TurnID, trace.DurationMs)
	}
	var joined strings.Builder
	for i, e := range trace.TokenEmissions {
		if e.Seq != i {
			t.Errorf("turn %d: emission %d has seq %d", trace.TurnID, i, e.Seq)
		}
		if e.EmittedAtMs < trace.StartMs || e.EmittedAtMs > trace.EndMs {
			t.Errorf("turn %d: emission %d at %d outside [%d, %d]", trace.TurnID, i, e.EmittedAtMs, trace.StartMs, trace.EndMs)
		}
		joined.WriteString(e.Token)
	}
	if trace.Content != "" && joined.String() != trace.Content {
		t.Errorf("turn %d: emissions join to %q, content is %q", trace.TurnID, joined.String(), trace.Content)
	}
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🎭 流式辅助
// =============================================================================

// CollectStreamChunks 收集流式块到切片
func CollectStreamChunks(ch <-chan llm.StreamChunk) []llm.StreamChunk {
	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// CollectStreamContent 收集流式内容到字符串
func CollectStreamContent(ch <-chan llm.StreamChunk) string {
	var content strings.Builder
	for chunk := range ch {
		content.WriteString(chunk.Delta.Content)
	}
	return content.String()
}

// SendChunksToChannel 发送块到通道
func SendChunksToChannel(chunks []llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			ch <- chunk
		}
	}()
	return ch
}

// ContentChunks 将内容片段包装为流式块；第一个块携带 id 与 model
func ContentChunks(id, model string, fragments ...string) []llm.StreamChunk {
	out := make([]llm.StreamChunk, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, llm.StreamChunk{
			ID:    id,
			Model: model,
			Delta: llm.Message{Role: llm.RoleAssistant, Content: f},
		})
	}
	return out
}
