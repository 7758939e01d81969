package llm

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderDecorator wraps a freshly constructed Provider. It is applied by
// DefaultProviderFactory to every provider it creates.
type ProviderDecorator func(Provider) Provider

// ProviderFactory creates Provider instances from provider code, API key, and base URL.
type ProviderFactory interface {
	CreateProvider(providerCode string, apiKey string, baseURL string) (Provider, error)
}

// DefaultProviderFactory is a thread-safe in-memory implementation of ProviderFactory.
// It is the construction entry point that hosts use to obtain providers, which makes it
// the single place where a decorator can be installed process-wide.
//
// Two kinds of decorators are applied, in order: the host decorator set via
// SetDecorator, then named layers added via Attach. Layers are independent of
// the host decorator, so attaching or detaching a layer never replaces it.
type DefaultProviderFactory struct {
	mu           sync.RWMutex
	constructors map[string]func(apiKey, baseURL string) (Provider, error)
	decorator    ProviderDecorator
	layers       []decoratorLayer
}

type decoratorLayer struct {
	name     string
	decorate ProviderDecorator
}

// NewDefaultProviderFactory creates a new DefaultProviderFactory.
func NewDefaultProviderFactory() *DefaultProviderFactory {
	return &DefaultProviderFactory{
		constructors: make(map[string]func(apiKey, baseURL string) (Provider, error)),
	}
}

// RegisterProvider registers a provider constructor by code.
func (f *DefaultProviderFactory) RegisterProvider(code string, constructor func(apiKey, baseURL string) (Provider, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[code] = constructor
}

// SetDecorator installs d for subsequently created providers. A nil d removes it.
// Providers created earlier are not affected.
func (f *DefaultProviderFactory) SetDecorator(d ProviderDecorator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decorator = d
}

// Decorator returns the currently installed decorator, or nil.
func (f *DefaultProviderFactory) Decorator() ProviderDecorator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.decorator
}

// Attach adds d as a named layer applied after the host decorator and after
// layers attached earlier. It returns false and leaves the factory unchanged
// when a layer with the same name is already attached.
func (f *DefaultProviderFactory) Attach(name string, d ProviderDecorator) bool {
	if d == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.layerIndex(name) >= 0 {
		return false
	}
	f.layers = append(f.layers, decoratorLayer{name: name, decorate: d})
	return true
}

// Detach removes the named layer. It returns false when no such layer is attached.
func (f *DefaultProviderFactory) Detach(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.layerIndex(name)
	if idx < 0 {
		return false
	}
	f.layers = append(f.layers[:idx:idx], f.layers[idx+1:]...)
	return true
}

// Attached reports whether the named layer is attached.
func (f *DefaultProviderFactory) Attached(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layerIndex(name) >= 0
}

// 调用方需持有 f.mu
func (f *DefaultProviderFactory) layerIndex(name string) int {
	for i, l := range f.layers {
		if l.name == name {
			return i
		}
	}
	return -1
}

// Codes returns the sorted codes of all registered constructors.
func (f *DefaultProviderFactory) Codes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	codes := make([]string, 0, len(f.constructors))
	for code := range f.constructors {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CreateProvider creates a provider instance by code.
func (f *DefaultProviderFactory) CreateProvider(providerCode string, apiKey string, baseURL string) (Provider, error) {
	f.mu.RLock()
	constructor, exists := f.constructors[providerCode]
	decorate := f.decorator
	layers := append([]decoratorLayer(nil), f.layers...)
	f.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not registered", providerCode)
	}

	p, err := constructor(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if decorate != nil {
		p = decorate(p)
	}
	for _, l := range layers {
		p = l.decorate(p)
	}
	return p, nil
}
