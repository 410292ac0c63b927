package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "btreekv/internal/http"
	"btreekv/pkg/config"
	"btreekv/pkg/fatal"
	"btreekv/pkg/store"
)

func TestSummarize(t *testing.T) {
	lat := []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	res := summarize(3, 3, 0, time.Second, lat)

	assert.Equal(t, time.Millisecond, res.MinLatency)
	assert.Equal(t, 3*time.Millisecond, res.MaxLatency)
	assert.Equal(t, 2*time.Millisecond, res.AvgLatency)
	assert.Equal(t, 3*time.Millisecond, res.P99Latency)
	assert.InDelta(t, 3.0, res.OpsPerSec, 0.001)
}

func TestRun_AgainstServer(t *testing.T) {
	cfg := config.Default()
	cfg.Slices = 2
	cfg.Persistence.Enabled = false

	st, err := store.Open(context.Background(), cfg.DB, store.WithReporter(fatal.PanicReporter{}))
	require.NoError(t, err)
	defer st.Close()

	ts := httptest.NewServer(httpapi.NewServer(st, cfg.Server).Handler())
	defer ts.Close()

	for _, clientID := range []string{"", "bench"} {
		err := run(context.Background(), options{
			target:   ts.URL,
			key:      "c",
			workers:  4,
			ops:      60,
			decrEach: 3,
			clientID: clientID,
		})
		require.NoError(t, err)
	}
}
