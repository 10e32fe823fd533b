package client

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"remoting/codec"
	"remoting/config"
	"remoting/server"
)

func setupBench(b *testing.B, ct codec.CodecType) (*Client, string) {
	scfg := config.DefaultServerConfig()
	scfg.ListenAddr = "127.0.0.1:0"
	scfg.Codec = ct
	svr, err := server.NewServer(scfg)
	if err != nil {
		b.Fatal(err)
	}
	if err := svr.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { svr.Close() })

	ccfg := config.DefaultClientConfig()
	ccfg.Codec = ct
	cli, err := NewClient(ccfg, WithLogger(zap.NewNop()))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { cli.Close() })
	return cli, svr.Addr().String()
}

// 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli, addr := setupBench(b, codec.CodecTypeBinary)
	ctx := context.Background()
	var sum int

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cli.Invoke(ctx, addr, "Arith", "Add", []any{1, 2}, &sum); err != nil {
			b.Fatal(err)
		}
	}
}

// 多 goroutine 并发调用，共享少量多路复用连接
func BenchmarkConcurrentCall(b *testing.B) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		b.Run(ct.String(), func(b *testing.B) {
			cli, addr := setupBench(b, ct)
			ctx := context.Background()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				var sum int
				for pb.Next() {
					if err := cli.Invoke(ctx, addr, "Arith", "Add", []any{1, 2}, &sum); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}
