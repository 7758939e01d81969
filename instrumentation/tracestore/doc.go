/*
包 tracestore 记录每个 turn（一次完整模型调用）的 token 级时间轨迹。

一个 turn 由 StartTurn 开始，期间每个内容片段通过 RecordToken 记录发出时间
与从 0 开始的序号，最后由 EndTurn 写入完整内容并归档。Turns 与 TurnMaps
返回历史快照，调用方修改快照不会影响 Store。

时间戳均为毫秒级墙钟时间；DurationMs 基于单调时钟计算，始终非负。
*/
package tracestore
