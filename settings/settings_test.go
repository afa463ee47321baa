package settings

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store/memory"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	gets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string]string{}} }

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.data[key], nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *mapCache) Close() error { return nil }

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestLoaderDefaults(t *testing.T) {
	l := NewLoader(memory.New(), nil, time.Minute, testLogger())

	c, err := l.Commission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)
	assert.Equal(t, 15.0, c.SignupRates.For(models.TierSilver))
	assert.Equal(t, 7.5, c.RecurringRates.For(models.TierSilver))
	assert.Equal(t, 1.5, c.PlanMultiplier(models.PlanPro))
}

func TestLoaderOverridesPerKey(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.PutSetting(ctx, KeySignupRates, json.RawMessage(`{"bronze":12,"silver":18,"gold":25}`)))
	require.NoError(t, st.PutSetting(ctx, KeyPaymentMinimum, json.RawMessage(`100`)))

	c, err := NewLoader(st, nil, time.Minute, testLogger()).Commission(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, c.SignupRates.Bronze)
	assert.Equal(t, 100.0, c.PaymentMinimum)
	assert.Equal(t, Defaults().RecurringRates, c.RecurringRates)
}

func TestLoaderInvalidJSON(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.PutSetting(ctx, KeyBonusRules, json.RawMessage(`{"not":"a list"}`)))

	_, err := NewLoader(st, nil, time.Minute, testLogger()).Commission(ctx)
	assert.Error(t, err)
}

func TestLoaderUsesCacheAndPutInvalidates(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	cache := newMapCache()
	l := NewLoader(st, cache, time.Minute, testLogger())

	require.NoError(t, l.Put(ctx, KeyYearlyMultiplier, 1.5))
	c, err := l.Commission(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, c.YearlyMultiplier)
	assert.Equal(t, "1.5", cache.data[cachePrefix+KeyYearlyMultiplier])

	// cached copy wins over the store until Put invalidates it
	require.NoError(t, st.PutSetting(ctx, KeyYearlyMultiplier, json.RawMessage(`2`)))
	c, err = l.Commission(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, c.YearlyMultiplier)

	require.NoError(t, l.Put(ctx, KeyYearlyMultiplier, 1.3))
	c, err = l.Commission(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.3, c.YearlyMultiplier)
}

func TestValuesRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	want := Defaults()
	want.PaymentMinimum = 75

	values, err := want.Values()
	require.NoError(t, err)
	require.Len(t, values, len(Keys))
	for k, v := range values {
		require.NoError(t, st.PutSetting(ctx, k, v))
	}

	got, err := NewLoader(st, nil, time.Minute, testLogger()).Commission(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
