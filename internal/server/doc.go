/*
包 server 管理 streamtap 导出端点所在的 HTTP 服务器生命周期。

Manager 封装 net/http.Server，负责非阻塞启动、优雅关闭、
SIGINT/SIGTERM 信号监听与异步错误传播。cmd/streamtap 用它暴露
Prometheus 指标与已记录的 turn 轨迹。
*/
package server
