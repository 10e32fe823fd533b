package message

import "context"

type metadataKey struct{}

// WithMetadata returns a context carrying key=value in addition to any
// metadata already attached. The client copies it onto outgoing requests.
func WithMetadata(ctx context.Context, key, value string) context.Context {
	old := MetadataFromContext(ctx)
	md := make(map[string]string, len(old)+1)
	for k, v := range old {
		md[k] = v
	}
	md[key] = value
	return context.WithValue(ctx, metadataKey{}, md)
}

// ContextWithMetadata attaches md as is. The server uses it to expose the
// metadata of an incoming request to its handler.
func ContextWithMetadata(ctx context.Context, md map[string]string) context.Context {
	if len(md) == 0 {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata attached to ctx. The map must not
// be modified.
func MetadataFromContext(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	return md
}
