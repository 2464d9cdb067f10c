//go:build integration

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/geo"
	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStores_Engine(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	attempts := NewPostgresStore(db)
	require.NoError(t, attempts.Migrate(ctx))
	locations := NewPostgresLocationStore(db)

	resolver := geo.StaticResolver{
		"203.0.113.7":  {Country: "NP", City: "Kathmandu"},
		"198.51.100.9": {Country: "US", City: "Austin"},
	}
	e, err := NewEngine(attempts, locations, resolver, ConfigFromSecurity(config.DefaultSecurity(), time.Second), nil)
	require.NoError(t, err)

	v, err := e.Evaluate(ctx, Input{Fields: map[string]any{"amount": 10}, IPAddress: "203.0.113.7", UserAgent: browserUA}, "42")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Score)
	assert.True(t, v.Persisted)

	v, err = e.Evaluate(ctx, Input{IPAddress: "198.51.100.9", UserAgent: browserUA}, "42")
	require.NoError(t, err)
	assert.Equal(t, []string{IndicatorUnusualLocation}, v.Indicators)

	for i := 0; i < 5; i++ {
		_, err = e.Evaluate(ctx, Input{IPAddress: "203.0.113.7", UserAgent: browserUA}, "42")
		require.NoError(t, err)
	}
	v, err = e.Evaluate(ctx, Input{IPAddress: "203.0.113.7", UserAgent: browserUA}, "42")
	require.NoError(t, err)
	assert.Contains(t, v.Indicators, IndicatorRapidAttempts)

	n, err := attempts.CountSince(ctx, "42", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	recent, err := locations.Recent(ctx, "42", 5)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, "Kathmandu", recent[0].City)

	removed, err := e.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(8), removed)

	removed, err = locations.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Greater(t, removed, int64(0))
}
