package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, ok := c.Get(ctx, "subaccount:jetton:fp:owner")
	assert.False(t, ok)

	addr := &interfaces.SubAccountAddress{
		Owner:         "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37",
		AssetContract: "0:7fce2cf8fee03996a578bfaed7b606a1d2d28d5e03f2c494c934827c60d0a80d",
		Derived:       "0:50750084e1c84d39d53b52f27b6478bf25e0fe44b51f47b280e93436ad8e3126",
	}
	c.Set(ctx, "subaccount:jetton:fp:owner", addr)

	got, ok := c.Get(ctx, "subaccount:jetton:fp:owner")
	require.True(t, ok)
	assert.Equal(t, addr.Derived, got.Derived)

	// The cache hands out copies, not shared pointers.
	got.Derived = "mutated"
	again, ok := c.Get(ctx, "subaccount:jetton:fp:owner")
	require.True(t, ok)
	assert.Equal(t, addr.Derived, again.Derived)
}

func TestMemoryCacheKeysAreIndependent(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "a", &interfaces.SubAccountAddress{Derived: "one"})
	c.Set(ctx, "b", &interfaces.SubAccountAddress{Derived: "two"})

	a, ok := c.Get(ctx, "a")
	require.True(t, ok)
	b, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.NotEqual(t, a.Derived, b.Derived)
}
