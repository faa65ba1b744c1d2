// Package logctx enriches slog records with session and delivery context
// carried on the context.Context. Install the handler at process start:
//
//	slog.SetDefault(slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)}))
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("isolation", sd.Isolation),
		))
	}

	if dd, ok := ctx.Value(deliveryDataKey{}).(*DeliveryData); ok {
		r.AddAttrs(slog.Group("delivery",
			slog.String("topic", dd.Topic),
			slog.String("origin", dd.Origin),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Isolation string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type deliveryDataKey struct{}

type DeliveryData struct {
	Topic  string
	Origin string
}

func WithDeliveryData(ctx context.Context, data *DeliveryData) context.Context {
	return context.WithValue(ctx, deliveryDataKey{}, data)
}
