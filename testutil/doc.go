/*
Package testutil 提供 streamtap 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 轨迹断言: AssertTurnConsistent 校验 seq、时间戳区间与内容拼接
  - 异步断言: AssertEventuallyTrue / WaitForChannel
  - 流式辅助: CollectStreamChunks / CollectStreamContent /
    SendChunksToChannel / ContentChunks

# 子包

  - testutil/mocks: MockProvider，按脚本输出流式块，支持用量块、
    工具调用分片、打开流失败、中途断流与非流式错误注入

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewStreamProvider([]string{"Hello", " ", "world", "!"})
	resp, err := instrumentation.New(provider, store).Completion(ctx, req)
*/
package testutil
