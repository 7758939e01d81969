/*
包 instrumentation 为 LLM 对话补全调用提供透明的流式埋点。

# 工作方式

Provider 装饰任意 llm.Provider。调用方发起的非流式 Completion 会在内部被改写为
流式调用：每个内容片段到达时记录到 tracestore.Store，流结束后由 Reconstructor
拼接出与普通非流式调用形状一致的 llm.ChatResponse。调用方看不到流式的存在。

  - 归属：turn 的 agent id 取自 attribution.AgentID(ctx)
  - 降级：流式调用失败时以空内容结束当前 turn，再以原始请求执行一次非流式调用
  - 透传：显式的 Stream 调用不做任何记录

# 安装

Installer 在 llm.DefaultProviderFactory 上安装装饰器，之后工厂创建的每个
provider 都被包装；Uninstall 恢复原始行为。两者都是幂等的。

# 观测

可选的 Prometheus 指标（Metrics）与 OpenTelemetry span（streamtap.turn）
记录每个 turn 的结果、片段数与耗时。
*/
package instrumentation
