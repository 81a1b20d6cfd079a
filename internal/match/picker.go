package match

import (
	"math/rand"
	"sync"
	"time"
)

// Picker chooses an index in [0, n). n is always positive.
type Picker interface {
	Pick(n int) int
}

// UniformPicker picks uniformly at random. It is safe for concurrent use.
type UniformPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewUniformPicker seeds the picker. A zero seed uses the current time.
func NewUniformPicker(seed int64) *UniformPicker {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &UniformPicker{rng: rand.New(rand.NewSource(seed))}
}

func (p *UniformPicker) Pick(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}
