package serial

import "testing"

func TestBufferPoolReuse(t *testing.T) {
	bp := NewBufferPool(64)

	buf := bp.Get()
	if len(buf) != 64 {
		t.Fatalf("len = %d", len(buf))
	}
	buf[0] = 0xAA
	bp.Put(buf)

	// incorrectly sized buffers are not pooled
	bp.Put(make([]byte, 8))

	stats := bp.Stats()
	if stats.Gets != 1 || stats.Puts != 1 || stats.Creates != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPoolStatsHitRatio(t *testing.T) {
	if got := (PoolStats{}).HitRatio(); got != 0 {
		t.Fatalf("empty ratio = %v", got)
	}
	if got := (PoolStats{Gets: 4, Creates: 1}).HitRatio(); got != 0.75 {
		t.Fatalf("ratio = %v", got)
	}
}

func BenchmarkBufferPoolGetPut(b *testing.B) {
	bp := NewBufferPool(readBufferSize)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := bp.Get()
		bp.Put(buf)
	}
}
