package model

import "context"

type actorKey struct{}

// WithActor возвращает контекст с идентификатором оператора, выполняющего запрос.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext возвращает идентификатор оператора или "system" для фоновых задач.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}
