package risk

import "sync"

// Registry 进程级断路器注册表：每个外部依赖名对应一个长生命周期的断路器。
// 首次按名查找时创建；调用方通过名字显式获取，不走包级全局变量。
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry 创建注册表；cfg 为新建断路器的默认配置。
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get 按依赖名获取断路器，不存在则创建。
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// Lookup 按名查找，不自动创建。
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// AllStats 返回所有已注册断路器的统计快照（运维接口用）。
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	return out
}
