package cache

// Noop is an always-miss cache selected when caching is disabled. Modeling
// the disabled state as an implementation keeps conditional branches out of
// the orchestrator.
type Noop struct{}

func NewNoop() Cache { return Noop{} }

func (Noop) Get(string, Category) (any, bool) { return nil, false }
func (Noop) Put(string, any, Category)        {}
func (Noop) Invalidate(string)                {}
func (Noop) Clear(...Category)                {}
func (Noop) Stats() Stats                     { return Stats{} }
