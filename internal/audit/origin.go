package audit

import "context"

type originKey struct{}

// WithOrigin attaches request origin metadata (request id, remote address,
// user agent, transport) to ctx.
func WithOrigin(ctx context.Context, origin map[string]any) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func OriginFrom(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(originKey{}).(map[string]any)
	return o
}
