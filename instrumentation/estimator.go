package instrumentation

import (
	"sync"

	"github.com/BaSui01/streamtap/llm/tokenizer"
	"go.uber.org/zap"
)

// UsageEstimator 在上游未返回用量时估算 completion token 数
type UsageEstimator interface {
	EstimateCompletionTokens(model, content string) int
}

// UsageEstimatorFunc 将函数适配为 UsageEstimator
type UsageEstimatorFunc func(model, content string) int

func (f UsageEstimatorFunc) EstimateCompletionTokens(model, content string) int {
	return f(model, content)
}

// WordCountEstimator 按空白分隔的词数估算，是默认估算方式
type WordCountEstimator struct{}

func (WordCountEstimator) EstimateCompletionTokens(_, content string) int {
	n, _ := tokenizer.WordTokenizer{}.CountTokens(content)
	return n
}

var registerTokenizersOnce sync.Once

// TokenizerEstimator 使用按模型注册的分词器（OpenAI 模型为 tiktoken）计数，
// 分词器不可用时回退到按词计数.
type TokenizerEstimator struct {
	logger *zap.Logger
}

// NewTokenizerEstimator 创建 TokenizerEstimator 并注册内置的 OpenAI 分词器
func NewTokenizerEstimator(logger *zap.Logger) *TokenizerEstimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	registerTokenizersOnce.Do(tokenizer.RegisterOpenAITokenizers)
	return &TokenizerEstimator{logger: logger}
}

func (e *TokenizerEstimator) EstimateCompletionTokens(model, content string) int {
	tok := tokenizer.GetTokenizerOrEstimator(model)
	n, err := tok.CountTokens(content)
	if err != nil {
		e.logger.Debug("tokenizer unavailable, counting words",
			zap.String("model", model),
			zap.String("tokenizer", tok.Name()),
			zap.Error(err))
		return WordCountEstimator{}.EstimateCompletionTokens(model, content)
	}
	return n
}
