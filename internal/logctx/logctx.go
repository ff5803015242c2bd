// Package logctx decorates slog records with client, connection, and call
// attributes carried in the context, so every component logging inside a
// call path gets consistent correlation fields for free.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and appends grouped attributes derived from
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(clientDataKey{}).(*ClientData); ok {
		r.AddAttrs(slog.Group("client",
			slog.String("id", cd.ClientID),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("server_id", cd.ServerID),
			slog.String("endpoint", cd.Endpoint),
		))
	}

	if rd, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("call",
			slog.String("request_id", rd.RequestID),
			slog.String("grain", rd.Grain),
			slog.Int("method_id", int(rd.MethodID)),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type clientDataKey struct{}

// ClientData identifies the owning client instance.
type ClientData struct {
	ClientID string
}

func WithClientData(ctx context.Context, data *ClientData) context.Context {
	return context.WithValue(ctx, clientDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies one server connection.
type ConnData struct {
	ServerID string
	Endpoint string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type callDataKey struct{}

// CallData identifies one in-flight grain call.
type CallData struct {
	RequestID string
	Grain     string
	MethodID  int32
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}
