package tracestore

// TokenEmission 记录一次 token 片段的发出时间与序号
type TokenEmission struct {
	Token       string `json:"token"`
	EmittedAtMs int64  `json:"t_emitted_ms"`
	Seq         int    `json:"seq"`
}

// TurnTrace 是一次完整模型调用（一个 turn）的轨迹
type TurnTrace struct {
	TurnID         int64           `json:"turn_id"`
	AgentID        string          `json:"agent_id"`
	Content        string          `json:"content"`
	StartMs        int64           `json:"t_start_ms"`
	EndMs          int64           `json:"t_end_ms"`
	DurationMs     float64         `json:"duration_ms"`
	TokenEmissions []TokenEmission `json:"token_emissions"`
}

// Clone 返回深拷贝，emission 切片不与原值共享
func (t TurnTrace) Clone() TurnTrace {
	out := t
	out.TokenEmissions = make([]TokenEmission, len(t.TokenEmissions))
	copy(out.TokenEmissions, t.TokenEmissions)
	return out
}

// ToMap 返回与 JSON 字段名一致的键值记录
func (t TurnTrace) ToMap() map[string]any {
	emissions := make([]map[string]any, 0, len(t.TokenEmissions))
	for _, e := range t.TokenEmissions {
		emissions = append(emissions, map[string]any{
			"token":        e.Token,
			"t_emitted_ms": e.EmittedAtMs,
			"seq":          e.Seq,
		})
	}
	return map[string]any{
		"turn_id":         t.TurnID,
		"agent_id":        t.AgentID,
		"content":         t.Content,
		"t_start_ms":      t.StartMs,
		"t_end_ms":        t.EndMs,
		"duration_ms":     t.DurationMs,
		"token_emissions": emissions,
	}
}
