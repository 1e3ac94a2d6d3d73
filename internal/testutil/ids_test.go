package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceGenerator_Order(t *testing.T) {
	g := NewSequenceGenerator("client")
	assert.Equal(t, int64(0), g.Current())

	assert.Equal(t, "client-1", g.Generate())
	assert.Equal(t, "client-2", g.Generate())
	assert.Equal(t, int64(2), g.Current())

	g.Reset()
	assert.Equal(t, "client-1", g.Generate())
}

func TestSequenceGenerator_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-1", NewSequenceGenerator("").Generate())
}

func TestSequenceGenerator_ThreadSafe(t *testing.T) {
	g := NewSequenceGenerator("x")
	const workers, calls = 50, 100

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				id := g.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*calls, "ids must be unique")
	assert.Equal(t, int64(workers*calls), g.Current())
}
