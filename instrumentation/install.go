package instrumentation

import (
	"github.com/BaSui01/streamtap/instrumentation/tracestore"
	"github.com/BaSui01/streamtap/llm"
	"go.uber.org/zap"
)

// LayerName 是拦截层挂载到 provider 工厂上的层名
const LayerName = "streamtap.instrumentation"

// Installer 在 provider 构造入口上安装/卸载拦截层。
// 安装后工厂新创建的每个 provider 都会被 New 包装；安装前创建的不受影响。
//
// 安装状态记录在工厂上而不是 Installer 上：同一工厂的多个 Installer
// 看到同一个状态，先安装者生效，任意一个 Uninstall 都会卸载。
// 宿主通过 SetDecorator 设置的装饰器始终保留，拦截层包装在其外侧.
type Installer struct {
	factory *llm.DefaultProviderFactory
	store   *tracestore.Store
	opts    []Option
	logger  *zap.Logger
}

// NewInstaller 创建 Installer；opts 会传给每个被包装的 provider
func NewInstaller(factory *llm.DefaultProviderFactory, store *tracestore.Store, opts ...Option) *Installer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil {
		store = tracestore.Default()
	}
	return &Installer{
		factory: factory,
		store:   store,
		opts:    opts,
		logger:  o.logger.With(zap.String("component", "installer")),
	}
}

// Install 安装拦截层，重复调用无副作用
func (i *Installer) Install() {
	if !i.factory.Attach(LayerName, i.decorate) {
		i.logger.Debug("instrumentation already installed")
		return
	}
	i.logger.Info("instrumentation installed")
}

// Uninstall 恢复原始构造行为，未安装时无副作用
func (i *Installer) Uninstall() {
	if !i.factory.Detach(LayerName) {
		return
	}
	i.logger.Info("instrumentation uninstalled")
}

// IsInstalled 报告工厂上当前是否安装了拦截层
func (i *Installer) IsInstalled() bool {
	return i.factory.Attached(LayerName)
}

func (i *Installer) decorate(p llm.Provider) llm.Provider {
	return New(p, i.store, i.opts...)
}
