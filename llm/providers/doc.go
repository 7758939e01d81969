/*
# 概述

包 providers 提供 OpenAI 兼容协议的共享层：线上请求/响应结构体、
与 llm 包类型之间的转换，以及 HTTP 错误到 llm.Error 的映射。
具体传输实现在子包 openaicompat 中。

# 核心类型

  - OpenAICompatRequest / OpenAICompatResponse：请求体与响应体（流式 chunk 复用同一结构）
  - OpenAICompatToolCall：工具调用；流式分片中只有首片携带 ID
  - OpenAICompatStreamOptions：stream_options.include_usage

# 核心函数

  - MapHTTPError：将 HTTP 状态码映射为语义化的 llm.Error（含 Retryable 标记）
  - ReadErrorMessage：解析错误响应体
  - ConvertMessagesToOpenAI / ConvertToolsToOpenAI / ConvertToolCallsFromOpenAI：格式转换
  - ToLLMChatResponse / ToLLMUsage：响应转换
  - ChooseModel：按优先级选择模型（请求 > 默认 > 兜底）
  - NewRetryableProvider：为 Completion 与流式建连增加指数退避重试
*/
package providers
