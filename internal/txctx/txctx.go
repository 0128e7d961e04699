// Package txctx carries the identity and metadata of the actor performing
// a write, so the commit engine can stamp a commit's author and the notes
// sidecar can stamp a transaction's origin without every call site
// threading extra parameters through.
package txctx

import (
	"context"

	"github.com/google/uuid"
)

// Origin names the protocol adapter (or internal caller) that started a
// transaction, carried through to the notes sidecar record.
type Origin string

const (
	OriginREST     Origin = "rest"
	OriginRESP     Origin = "redis"
	OriginSQL      Origin = "sql"
	OriginInternal Origin = "internal"
)

// Status is the Transaction Context state machine:
// Pending -> Committed | Failed, one-shot.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Context is the explicit value passed into commit-engine operations. It
// is a plain struct, not ambient global state: callers build one per
// request and pass it down the call stack.
type Context struct {
	TxID   string
	Origin Origin
	Actor  string
	Flags  []string

	// Metadata is copied verbatim into the notes sidecar transaction
	// record, e.g. request id, client address, API version.
	Metadata map[string]string

	// Message is the free-form commit message; protocol adapters fill
	// this from a request annotation or leave it to the default the
	// commit engine generates from the operation name.
	Message string
}

// Begin starts a new Transaction Context with a freshly minted tx id.
func Begin(origin Origin, actor string) Context {
	return Context{
		TxID:   uuid.NewString(),
		Origin: origin,
		Actor:  actor,
	}
}

// contextKey is a typed, unexported key so values stored under it can
// never collide with keys from an unrelated package.
type contextKey struct{}

// With attaches a Context to a stdlib context.Context for code paths that
// thread context.Context rather than passing txctx.Context explicitly
// (protocol adapters sitting on top of net/http, for instance).
func With(ctx context.Context, tx Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// From extracts a Context previously attached with With. The zero Context
// is returned, with ok=false, if none was attached.
func From(ctx context.Context) (Context, bool) {
	tx, ok := ctx.Value(contextKey{}).(Context)
	return tx, ok
}

// FromOrDefault is From with a system-actor fallback, for internal callers
// (background index refresh, GC) that run outside of any one request.
func FromOrDefault(ctx context.Context) Context {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return Begin(OriginInternal, "system")
}
