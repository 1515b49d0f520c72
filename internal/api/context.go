package api

import (
	"context"

	"github.com/org/keyrelay/internal/identity"
)

type contextKey string

const (
	ctxKeySigner    contextKey = "signer"
	ctxKeyRequestID contextKey = "request_id"
)

func withSigner(ctx context.Context, k identity.Key) context.Context {
	return context.WithValue(ctx, ctxKeySigner, k)
}

// signerFromCtx returns the verified request signer. Only routes behind
// signedRequestMiddleware have one.
func signerFromCtx(ctx context.Context) (identity.Key, bool) {
	k, ok := ctx.Value(ctxKeySigner).(identity.Key)
	return k, ok
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
