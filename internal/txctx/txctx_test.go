package txctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFromRoundTrip(t *testing.T) {
	tx := Context{TxID: "tx-1", Origin: OriginREST, Actor: "alice", Message: "update profile", Metadata: map[string]string{"req_id": "abc"}}

	ctx := With(context.Background(), tx)
	got, ok := From(ctx)
	require.True(t, ok)
	assert.Equal(t, tx, got)
}

func TestFromAbsent(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)
}

func TestFromOrDefaultFallsBackToSystemActor(t *testing.T) {
	got := FromOrDefault(context.Background())
	assert.Equal(t, "system", got.Actor)
	assert.Equal(t, OriginInternal, got.Origin)
}

func TestFromOrDefaultPrefersAttached(t *testing.T) {
	ctx := With(context.Background(), Context{Actor: "bob"})
	got := FromOrDefault(ctx)
	assert.Equal(t, "bob", got.Actor)
}

func TestBeginMintsTxID(t *testing.T) {
	tx := Begin(OriginSQL, "carol")
	assert.NotEmpty(t, tx.TxID)
	assert.Equal(t, OriginSQL, tx.Origin)
	assert.Equal(t, "carol", tx.Actor)
}
