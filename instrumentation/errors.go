package instrumentation

import "errors"

// ErrStreamInterrupted 表示强制流式调用在重建完成前失败（chunk 错误或 context 取消）。
// 它只用于日志与 span，调用方看到的是降级调用的结果.
var ErrStreamInterrupted = errors.New("instrumentation: stream interrupted")
