package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/aircast/internal/config"
	"github.com/lox/aircast/internal/ingest"
)

func TestReplay_RebuildsFromStoredPayloads(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	srv := aqiServer(t, map[string][]map[string]any{
		"Pune": pm25Records("Pune", hourRange(0, 10)),
	})
	defer srv.Close()

	aqi := ingest.NewAQIClient("test-key", srv.URL, 100, 0)
	runner, _ := newTestRunner(t, st, aqi, nil, func(c *config.Config) {
		c.Pipeline.Cities = []string{"Pune"}
	})

	first, err := runner.Ingest(ctx)
	require.NoError(t, err)

	again, err := runner.Replay(ctx, first.RunID)
	require.NoError(t, err)
	require.Len(t, again.Fetches(), 1)
	assert.Equal(t, OutcomeOK, again.Fetches()[0].Outcome)
	assert.Equal(t, 0, again.Fetches()[0].Stored, "replay over loaded data is a no-op")

	_, err = st.DB().Exec(`DELETE FROM air_quality`)
	require.NoError(t, err)

	rebuilt, err := runner.Replay(ctx, first.RunID)
	require.NoError(t, err)
	f := rebuilt.Fetches()[0]
	assert.Equal(t, "Pune", f.Entity)
	assert.Equal(t, ingest.ProviderAQI, f.Provider)
	assert.Equal(t, 10, f.Parsed)
	assert.Equal(t, 10, f.Stored)

	obs, err := st.AirQualityObservations(ctx, "Pune", "PM2.5")
	require.NoError(t, err)
	assert.Len(t, obs, 10)
}

func TestReplay_UnknownRun(t *testing.T) {
	st := setupTestStore(t)
	runner, _ := newTestRunner(t, st, nil, nil, nil)

	rep, err := runner.Replay(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Empty(t, rep.Fetches())
	assert.False(t, rep.Failed())
}

func TestReplay_UndecodablePayload(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	run, err := st.StartIngestRun(ctx, "old-run", ingest.ProviderAQI, ingest.EndpointAQI, "Pune")
	require.NoError(t, err)
	_, err = st.StoreRawPayload(ctx, run.ID, ingest.ProviderAQI, ingest.EndpointAQI, "Pune", []byte(`<html>maintenance</html>`))
	require.NoError(t, err)

	runner, _ := newTestRunner(t, st, nil, nil, nil)
	rep, err := runner.Replay(ctx, "old-run")
	require.Error(t, err)
	require.Len(t, rep.Fetches(), 1)
	assert.Equal(t, OutcomeSchemaError, rep.Fetches()[0].Outcome)
	assert.True(t, rep.Failed())
}
