// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与按词估算，用于在上游未返回用量时估算 completion token 数。
package tokenizer
