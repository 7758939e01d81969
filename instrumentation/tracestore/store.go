package tracestore

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Option 配置 Store
type Option func(*Store)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// activeTurn 是进行中的 turn 状态
type activeTurn struct {
	id        int64
	agentID   string
	startedAt time.Time
	nextSeq   int
	emissions []TokenEmission
}

// Store 按 turn 记录 token 级时间轨迹。所有方法并发安全。
// 同一时刻最多只有一个进行中的 turn。
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	logger  *zap.Logger
	turns   []TurnTrace
	current *activeTurn
	nextID  int64
}

// New 创建空的 Store，首个 turn id 为 1
func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		logger: zap.NewNop(),
		nextID: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "trace_store"))
	return s
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
)

// Default 返回进程级共享的 Store
func Default() *Store {
	defaultOnce.Do(func() {
		defaultStore = New()
	})
	return defaultStore
}

// StartTurn 开始一个新 turn 并返回其 id。
// 若已有进行中的 turn，该 turn 会被丢弃（记录 Warn 日志）。
func (s *Store) StartTurn(agentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.logger.Warn("discarding unfinished turn",
			zap.Int64("turn_id", s.current.id),
			zap.String("agent_id", s.current.agentID),
			zap.Int("tokens", len(s.current.emissions)))
	}

	id := s.nextID
	s.nextID++
	s.current = &activeTurn{
		id:        id,
		agentID:   agentID,
		startedAt: s.now(),
	}
	return id
}

// RecordToken 为进行中的 turn 追加一次 token 发出记录；没有进行中的 turn 时忽略
func (s *Store) RecordToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return
	}
	s.current.emissions = append(s.current.emissions, TokenEmission{
		Token:       token,
		EmittedAtMs: s.now().UnixMilli(),
		Seq:         s.current.nextSeq,
	})
	s.current.nextSeq++
}

// EndTurn 结束进行中的 turn 并返回其副本；没有进行中的 turn 时返回 false
func (s *Store) EndTurn(content string) (TurnTrace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return TurnTrace{}, false
	}

	cur := s.current
	s.current = nil

	end := s.now()
	duration := end.Sub(cur.startedAt)
	if duration < 0 {
		duration = 0
	}
	if cur.emissions == nil {
		cur.emissions = []TokenEmission{}
	}
	trace := TurnTrace{
		TurnID:         cur.id,
		AgentID:        cur.agentID,
		Content:        content,
		StartMs:        cur.startedAt.UnixMilli(),
		EndMs:          end.UnixMilli(),
		DurationMs:     float64(duration.Microseconds()) / 1000,
		TokenEmissions: cur.emissions,
	}
	s.turns = append(s.turns, trace)

	s.logger.Debug("turn recorded",
		zap.Int64("turn_id", trace.TurnID),
		zap.String("agent_id", trace.AgentID),
		zap.Int("tokens", len(trace.TokenEmissions)),
		zap.Float64("duration_ms", trace.DurationMs))

	return trace.Clone(), true
}

// InProgress 报告当前是否有进行中的 turn
func (s *Store) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Turns 返回所有已完成 turn 的快照，按完成顺序排列
func (s *Store) Turns() []TurnTrace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TurnTrace, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// TurnMaps 以键值记录形式返回所有已完成 turn
func (s *Store) TurnMaps() []map[string]any {
	turns := s.Turns()
	out := make([]map[string]any, len(turns))
	for i, t := range turns {
		out[i] = t.ToMap()
	}
	return out
}

// TurnCount 返回已完成 turn 的数量
func (s *Store) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Clear 清空历史与进行中的 turn，并将 id 计数器重置为 1
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.current = nil
	s.nextID = 1
}
