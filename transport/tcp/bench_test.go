package tcp

import (
	"context"
	"testing"

	"anyrpc/transport"
)

// one goroutine, calls in series
func BenchmarkSerialCall(b *testing.B) {
	c := dialServer(b, startServer(b, newEngine(b)))
	args := Args{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := transport.Call[int](context.Background(), c, "Arith.Add", args); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines sharing one multiplexed connection
func BenchmarkConcurrentCall(b *testing.B) {
	c := dialServer(b, startServer(b, newEngine(b)))
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := Args{A: 1, B: 2}
		for pb.Next() {
			if _, err := transport.Call[int](context.Background(), c, "Arith.Add", args); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
