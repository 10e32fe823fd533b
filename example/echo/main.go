// Command echo runs the EchoService end to end.
//
//	echo -mode server -listen :5678 -etcd 127.0.0.1:2379
//	echo -mode client -etcd 127.0.0.1:2379 hello world
//	echo                      # both in one process, in-memory registry
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"remoting/client"
	"remoting/config"
	"remoting/example/api"
	"remoting/middleware"
	"remoting/registry"
	"remoting/server"
	"remoting/stub"
)

func main() {
	fMode := flag.String("mode", "demo", "server, client or demo")
	fListen := flag.String("listen", "127.0.0.1:5678", "server listen address")
	fEtcd := flag.String("etcd", "", "comma-separated etcd endpoints, empty for an in-memory registry")
	fLevel := flag.String("log", "info", "log level")
	flag.Parse()

	logger, err := config.NewLogger(*fLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var reg registry.Registry
	if *fEtcd != "" {
		etcd, err := registry.NewEtcdRegistry(strings.Split(*fEtcd, ","), logger)
		if err != nil {
			logger.Fatal("etcd unavailable", zap.Error(err))
		}
		defer etcd.Close()
		reg = etcd
	} else {
		reg = registry.NewMemoryRegistry()
	}

	switch *fMode {
	case "server":
		svr := startServer(logger, reg, *fListen)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		if err := svr.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	case "client":
		callEcho(logger, reg, flag.Args())
	case "demo":
		svr := startServer(logger, reg, *fListen)
		callEcho(logger, reg, flag.Args())
		_ = svr.Close()
	default:
		logger.Fatal("unknown mode", zap.String("mode", *fMode))
	}
}

func startServer(logger *zap.Logger, reg registry.Registry, listen string) *server.Server {
	cfg := config.DefaultServerConfig()
	cfg.ListenAddr = listen
	svr, err := server.NewServer(cfg,
		server.WithLogger(logger),
		server.WithRegistry(reg),
		server.WithMiddleware(
			middleware.Recover(logger),
			middleware.Logging(logger),
			middleware.Timeout(5*time.Second),
		))
	if err != nil {
		logger.Fatal("bad server config", zap.Error(err))
	}
	if err := server.RegisterAs[api.EchoService](svr.Dispatcher(), &api.Service{Logger: logger}); err != nil {
		logger.Fatal("register", zap.Error(err))
	}
	if err := svr.Start(); err != nil {
		logger.Fatal("start", zap.Error(err))
	}
	return svr
}

func callEcho(logger *zap.Logger, reg registry.Registry, words []string) {
	if len(words) == 0 {
		words = []string{"hello", "remoting"}
	}
	cli, err := client.NewClient(config.DefaultClientConfig(), client.WithLogger(logger))
	if err != nil {
		logger.Fatal("bad client config", zap.Error(err))
	}
	defer cli.Close()

	echo := stub.MustGet[api.EchoService](stub.NewFactory(cli.Resolve(registry.NewResolver(reg))))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := strings.Join(words, " ")

	out, err := echo.Echo(ctx, msg)
	if err != nil {
		logger.Error("Echo failed", zap.Error(err))
		return
	}
	logger.Info("Echo", zap.String("reply", out))

	if out, err = echo.Reverse(ctx, msg); err == nil {
		logger.Info("Reverse", zap.String("reply", out))
	}
	if stats, err := echo.Stats(ctx, msg); err == nil {
		logger.Info("Stats", zap.Int("length", stats.Length), zap.Int("words", stats.Words))
	}
	if out, err = echo.Join(ctx, words, "+"); err == nil {
		logger.Info("Join", zap.String("reply", out))
	}
	if err := echo.Fail(ctx, "on purpose"); err != nil {
		logger.Info("Fail", zap.Error(err))
	}
}
