package tokenizer

import "strings"

// WordTokenizer 按空白分隔的词数估算 token 数。
// 结果只是近似值，不代表任何模型的真实分词.
type WordTokenizer struct{}

func (WordTokenizer) CountTokens(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (WordTokenizer) Name() string {
	return "words"
}
