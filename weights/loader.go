// Package weights implements the weight loader and HF-name mapper: a
// key->tensor provider abstraction, two concrete providers (an in-memory
// map and a serialized archive reader/writer), and load_stage_weights,
// which walks a stage's canonical parameter slots and assigns from the
// loader by name, with fused-MoE-expert splitting.
package weights

import (
	"sort"

	"github.com/rickymagal/qwen-vl-distributed/tensor"
)

// Loader is a store of (name -> tensor) with exists/get/list_keys.
// Implementations are read-only after construction and safe for
// concurrent Get calls.
type Loader interface {
	Exists(key string) bool
	Get(key string) (*tensor.Tensor, bool)
	ListKeys() []string
}

// MapLoader is the in-memory Loader provider.
type MapLoader struct {
	m map[string]*tensor.Tensor
}

// NewMapLoader constructs a MapLoader. The map passed in becomes
// read-only; callers must not mutate it after construction.
func NewMapLoader(m map[string]*tensor.Tensor) *MapLoader {
	return &MapLoader{m: m}
}

func (l *MapLoader) Exists(key string) bool {
	_, ok := l.m[key]
	return ok
}

func (l *MapLoader) Get(key string) (*tensor.Tensor, bool) {
	t, ok := l.m[key]
	return t, ok
}

func (l *MapLoader) ListKeys() []string {
	keys := make([]string, 0, len(l.m))
	for k := range l.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
