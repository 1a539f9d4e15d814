package difficulty

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wshang12/BrainTraining/internal/kv"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}
func (brokenStore) Set(context.Context, string, string) error { return errors.New("disk on fire") }

func newController() (*Controller, *kv.Memory) {
	store := kv.NewMemory()
	return New(store, DefaultParams(), nil, nil), store
}

func TestGetReturnsFallbackWhenUnset(t *testing.T) {
	c, _ := newController()
	assert.Equal(t, 0.7, c.Get(context.Background(), "x", 0.7))
}

func TestGetReturnsFallbackForCorruptValue(t *testing.T) {
	c, store := newController()
	ctx := context.Background()
	for _, raw := range []string{"banana", "", "NaN", "+Inf"} {
		require.NoError(t, store.Set(ctx, Key("x"), raw))
		assert.Equal(t, 0.7, c.Get(ctx, "x", 0.7), raw)
	}
}

func TestGetClampsStoredValue(t *testing.T) {
	c, store := newController()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, Key("x"), "5"))
	assert.Equal(t, 1.8, c.Get(ctx, "x", 1))
	require.NoError(t, store.Set(ctx, Key("x"), "-3"))
	assert.Equal(t, 0.2, c.Get(ctx, "x", 1))
}

func TestGetSwallowsStoreErrors(t *testing.T) {
	c := New(brokenStore{}, DefaultParams(), nil, nil)
	assert.Equal(t, 0.9, c.Get(context.Background(), "x", 0.9))
}

func TestAdjustAtTargetIsUnchanged(t *testing.T) {
	c, store := newController()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, Key("x"), "1.3"))

	v, err := c.Adjust(ctx, "x", 0.8, 800)
	require.NoError(t, err)
	assert.InDelta(t, 1.3, v, 1e-12)
	assert.InDelta(t, 1.3, c.Get(ctx, "x", 0), 1e-12)
}

func TestAdjustFormula(t *testing.T) {
	c, _ := newController()
	ctx := context.Background()

	// default 0.7 + 0.4*(0.9-0.8) + 0.2*((800-600)/800) = 0.79
	v, err := c.Adjust(ctx, "memory", 0.9, 600)
	require.NoError(t, err)
	assert.InDelta(t, 0.79, v, 1e-9)

	// 0.79 + 0.4*(0.5-0.8) + 0.2*((800-1200)/800) = 0.57
	v, err = c.Adjust(ctx, "memory", 0.5, 1200)
	require.NoError(t, err)
	assert.InDelta(t, 0.57, v, 1e-9)

	assert.InDelta(t, 1.0, c.Get(ctx, "reaction", 1.0), 1e-12, "games are independent")
}

func TestFreshGameStartsAtDefault(t *testing.T) {
	c, store := newController()
	ctx := context.Background()
	assert.Equal(t, 0.7, DefaultParams().Default)

	v, err := c.Adjust(ctx, "x", 0.8, 800)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, v, 1e-12)
	raw, ok, err := store.Get(ctx, Key("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0.7", raw)
}

func TestAdjustStaysWithinBounds(t *testing.T) {
	c, _ := newController()
	ctx := context.Background()
	cases := []struct{ acc, rt float64 }{
		{0, 5000}, {1, 1}, {0, 1e9}, {1, -1e9}, {math.NaN(), 800}, {0.8, math.Inf(1)},
	}
	for i := 0; i < 20; i++ {
		for _, tc := range cases {
			v, err := c.Adjust(ctx, "x", tc.acc, tc.rt)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, v, 0.2)
			assert.LessOrEqual(t, v, 1.8)
		}
	}
}

func TestAdjustReportsWriteFailureButReturnsValue(t *testing.T) {
	c := New(brokenStore{}, DefaultParams(), nil, nil)
	v, err := c.Adjust(context.Background(), "x", 0.8, 800)
	require.Error(t, err)
	assert.Equal(t, 0.7, v)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
	p := DefaultParams()
	p.Min, p.Max = 2, 1
	assert.Error(t, p.Validate())
	p = DefaultParams()
	p.Default = 3
	assert.Error(t, p.Validate())
	p = DefaultParams()
	p.TargetReactionMs = 0
	assert.Error(t, p.Validate())
}
