/*
包 llm 提供 streamtap 使用的大语言模型传输契约：Provider 抽象、
请求/响应/流式分片模型、错误语义与 provider 构造入口。

# Provider 抽象

核心接口是 [Provider]，包含 Completion（非流式）、Stream（流式）、
健康检查与能力声明。可选能力通过小接口声明：

  - [ModelLister]：列出上游可用模型
  - [StreamUsageCapable]：上游是否接受 stream_options.include_usage

# 核心类型

  - [ChatRequest] / [ChatResponse]：聊天请求与响应；[ChatRequest.Clone] 复制请求，
    装饰器修改副本而不影响调用方
  - [StreamChunk]：流式输出分片，Err 非空表示流中途失败
  - [Error]：带 [ErrorCode]、HTTP 状态与 Retryable 标记的上游错误

# 构造入口

[DefaultProviderFactory] 按注册码构造 provider，构造后先应用宿主通过
SetDecorator 设置的 [ProviderDecorator]，再按顺序应用 Attach 挂载的命名层。
埋点层以命名层安装/卸载，不会覆盖宿主的装饰器；安装前已创建的 provider 不受影响。

# 中间件

[Chain] 以 [Middleware] 组合 [Handler]，内置 [LoggingMiddleware] 与
[RecoveryMiddleware]；[CompletionHandler] 把 Provider.Completion 适配为 Handler。

# 相关子包

  - llm/providers：OpenAI 兼容协议的共享类型、错误映射与重试包装
  - llm/providers/openaicompat：基于 SSE 的 OpenAI 兼容传输实现
  - llm/tokenizer：按模型注册的分词器（tiktoken）与按词估算
*/
package llm
