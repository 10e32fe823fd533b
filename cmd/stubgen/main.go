// Command stubgen writes client stubs for the remote interfaces of a Go file.
//
// Typical use is from a go:generate directive next to the interfaces:
//
//	//go:generate go run remoting/cmd/stubgen -type EchoService
//
// which writes echo_stub.go next to echo.go.
package main

import (
	"flag"
	"os"
	"strings"

	"go.uber.org/zap"

	"remoting/config"
	"remoting/stub/gen"
)

func main() {
	fTypes := flag.String("type", "", "comma-separated interface names, default all interfaces in the file")
	fOut := flag.String("out", "", "output file, default <source>_stub.go")
	fPkg := flag.String("pkg", "", "package clause of the output, default the source package")
	fStub := flag.String("stub", gen.DefaultStubImport, "import path of the stub runtime")
	fDebug := flag.Bool("d", false, "debug logging")
	flag.Parse()

	level := "info"
	if *fDebug {
		level = "debug"
	}
	logger, err := config.NewLogger(level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	src := flag.Arg(0)
	if src == "" {
		src = os.Getenv("GOFILE")
	}
	if src == "" {
		logger.Error("no source file: pass one as argument or run from go generate")
		os.Exit(2)
	}
	out := *fOut
	if out == "" {
		out = strings.TrimSuffix(src, ".go") + "_stub.go"
	}

	var types []string
	if *fTypes != "" {
		types = strings.Split(*fTypes, ",")
	}

	code, err := gen.Generate(src, nil, gen.Options{
		Package:    *fPkg,
		Types:      types,
		StubImport: *fStub,
	})
	if err != nil {
		logger.Error("generate failed", zap.String("source", src), zap.Error(err))
		os.Exit(1)
	}
	if err := os.WriteFile(out, code, 0o644); err != nil {
		logger.Error("write failed", zap.String("out", out), zap.Error(err))
		os.Exit(1)
	}
	logger.Debug("stubs written", zap.String("source", src), zap.String("out", out))
}
