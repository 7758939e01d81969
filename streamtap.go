// Package streamtap provides a top-level convenience entry point for
// instrumenting LLM providers against the process-wide trace store.
//
// Usage:
//
//	import "github.com/BaSui01/streamtap"
//
//	installer := streamtap.Install(factory)        // every provider created afterwards is instrumented
//	p := streamtap.Wrap(openaicompat.New(cfg, nil)) // or wrap a single provider
//	resp, err := p.Completion(attribution.WithAgentID(ctx, "planner"), req)
//	traces := streamtap.Turns()
//
// This is a thin wrapper around [instrumentation] and [tracestore.Default];
// hosts that need isolated stores should use those packages directly.
package streamtap

import (
	"github.com/BaSui01/streamtap/instrumentation"
	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/llm"
)

// Option configures instrumented providers.
type Option = instrumentation.Option

// Wrap instruments p, recording into the process-wide store.
func Wrap(p llm.Provider, opts ...Option) *instrumentation.Provider {
	return instrumentation.New(p, tracestore.Default(), opts...)
}

// Install installs instrumentation on factory and returns the installer,
// whose Uninstall restores the original construction behaviour. Install state
// lives on the factory: repeated calls are no-ops and every returned installer
// reports the same IsInstalled.
func Install(factory *llm.DefaultProviderFactory, opts ...Option) *instrumentation.Installer {
	i := instrumentation.NewInstaller(factory, tracestore.Default(), opts...)
	i.Install()
	return i
}

// Turns returns the completed turns of the process-wide store as plain records.
func Turns() []map[string]any {
	return tracestore.Default().TurnMaps()
}

// Reset clears the process-wide store; turn ids restart at 1.
func Reset() {
	tracestore.Default().Clear()
}
