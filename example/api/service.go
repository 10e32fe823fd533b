package api

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"remoting/message"
)

// Service is the server-side EchoService.
type Service struct {
	Logger *zap.Logger
}

var _ EchoService = (*Service)(nil)

func (s *Service) Echo(ctx context.Context, msg string) (string, error) {
	if s.Logger != nil {
		s.Logger.Debug("echo", zap.String("msg", msg),
			zap.String("caller", message.MetadataFromContext(ctx)[message.MetaCallerID]))
	}
	return msg, nil
}

func (s *Service) Reverse(ctx context.Context, msg string) (string, error) {
	r := []rune(msg)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r), nil
}

func (s *Service) Stats(ctx context.Context, msg string) (Stats, error) {
	return Stats{Length: len([]rune(msg)), Words: len(strings.Fields(msg))}, nil
}

func (s *Service) Join(ctx context.Context, words []string, sep string) (string, error) {
	return strings.Join(words, sep), nil
}

func (s *Service) Fail(ctx context.Context, reason string) error {
	return errors.Errorf("rejected: %s", reason)
}
