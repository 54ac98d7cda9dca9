package protocol

import (
	"testing"
)

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool()

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Control", 100, controlBufferSize},
		{"Data", 4000, dataBufferSize},
		{"Max", 100000, maxBufferSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := pool.Get(tt.size)
			if len(buf) != tt.size {
				t.Errorf("buffer length = %d, want %d", len(buf), tt.size)
			}
			if cap(buf) != tt.wantCap {
				t.Errorf("buffer capacity = %d, want %d", cap(buf), tt.wantCap)
			}
			pool.Put(buf)
		})
	}

	t.Run("Oversized", func(t *testing.T) {
		buf := pool.Get(maxBufferSize + 1)
		if len(buf) != maxBufferSize+1 {
			t.Errorf("buffer length = %d", len(buf))
		}
		pool.Put(buf)
	})

	t.Run("Zero", func(t *testing.T) {
		if buf := pool.Get(0); buf != nil {
			t.Errorf("Get(0) = %v, want nil", buf)
		}
		pool.Put(nil)
	})
}

func BenchmarkBufferPool_GetPut_Data(b *testing.B) {
	pool := NewBufferPool()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Get(1500)
		pool.Put(buf)
	}
}

func BenchmarkMake_Data(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 1500)
		_ = buf
	}
}

func BenchmarkBufferPool_Parallel(b *testing.B) {
	pool := NewBufferPool()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := pool.Get(1500)
			pool.Put(buf)
		}
	})
}
