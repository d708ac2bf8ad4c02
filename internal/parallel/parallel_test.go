package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	tests := []struct {
		name string
		n    int
		cfg  Config
	}{
		{"default", 1000, DefaultConfig()},
		{"inline", 10, Config{Workers: 1}},
		{"more workers than items", 3, Config{Workers: 16, MinItems: 2}},
		{"below minimum", 5, Config{Workers: 4, MinItems: 100}},
		{"empty", 0, DefaultConfig()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var counter int64
			seen := make([]int32, tt.n)
			For(tt.n, tt.cfg, func(i int) {
				atomic.AddInt64(&counter, 1)
				atomic.AddInt32(&seen[i], 1)
			})
			assert.Equal(t, int64(tt.n), counter)
			for i, s := range seen {
				assert.Equal(t, int32(1), s, "item %d", i)
			}
		})
	}
}

func TestMap(t *testing.T) {
	got := Map(5, Config{Workers: 3, MinItems: 2}, func(i int) int { return i * i })
	assert.Equal(t, []int{0, 1, 4, 9, 16}, got)
}
