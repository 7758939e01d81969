// Package openaicompat implements llm.Provider for any endpoint that speaks the
// OpenAI Chat Completions protocol.
//
// Completion issues a single non-streaming request. Stream posts the same body
// with stream=true and parses the server-sent events into llm.StreamChunk
// values; when the request carries StreamOptions and the endpoint supports it,
// stream_options.include_usage is sent and the terminal usage-only event is
// surfaced as a chunk with Usage set and no choices.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "openai",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.openai.com",
//	    DefaultModel: "gpt-4o-mini",
//	}, logger)
//
// Endpoints that reject stream_options should set SupportsStreamUsage to false;
// the field is then omitted from streaming requests.
package openaicompat
