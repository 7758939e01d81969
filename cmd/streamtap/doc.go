/*
Package main 提供 streamtap 命令行入口。

run 子命令加载配置，在 provider 工厂上安装流式埋点，
按 --agents 依次以各自的 agent 归属执行一次 completion，
最后把记录的 turn 轨迹以 JSON 输出到 stdout。
指定 --metrics-addr 时通过 /metrics、/turns、/healthz 暴露指标与轨迹。

构建信息 Version、BuildTime、GitCommit 通过 ldflags 注入。
*/
package main
