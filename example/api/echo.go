// Package api declares the interfaces served by the echo example. The
// client stubs in echo_stub.go are generated from this file.
package api

import "context"

//go:generate go run remoting/cmd/stubgen -type EchoService

// Stats summarizes a message.
type Stats struct {
	Length int `json:"length"`
	Words  int `json:"words"`
}

type EchoService interface {
	Echo(ctx context.Context, msg string) (string, error)
	Reverse(ctx context.Context, msg string) (string, error)
	Stats(ctx context.Context, msg string) (Stats, error)
	Join(ctx context.Context, words []string, sep string) (string, error)
	Fail(ctx context.Context, reason string) error
}
