package logctx

import (
	"context"
	"log/slog"
)

// Handler enriches records with auth-flow attributes carried in the
// context. Wrap the application's base handler with it:
//
//	slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ad, ok := ctx.Value(authDataKey{}).(*AuthData); ok {
		attrs := make([]slog.Attr, 0, 3)
		if ad.Operation != "" {
			attrs = append(attrs, slog.String("op", ad.Operation))
		}
		if ad.Event != "" {
			attrs = append(attrs, slog.String("event", ad.Event))
		}
		if ad.UserID != "" {
			attrs = append(attrs, slog.String("user_id", ad.UserID))
		}
		if len(attrs) > 0 {
			r.AddAttrs(slog.Attr{Key: "auth", Value: slog.GroupValue(attrs...)})
		}
	}
	return h.Handler.Handle(ctx, r)
}

type authDataKey struct{}

// AuthData describes the auth operation or event in flight.
type AuthData struct {
	Operation string
	Event     string
	UserID    string
}

// WithAuthData attaches auth-flow attributes to the context. Later
// calls replace earlier ones wholesale.
func WithAuthData(ctx context.Context, data *AuthData) context.Context {
	return context.WithValue(ctx, authDataKey{}, data)
}
