// SPDX-License-Identifier: ice License 1.0

package statistics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCountersAndSnapshot(t *testing.T) {
	t.Parallel()

	stats := New("", 0)
	defer stats.Close()

	stats.Inc(InboxAccepted)
	stats.Inc(InboxAccepted)
	stats.Inc("custom.counter")
	stats.Observe(DiscoveryFetchDuration, 15*time.Millisecond)

	snapshot := stats.Snapshot()
	require.EqualValues(t, 2, snapshot[InboxAccepted]["count"])
	require.EqualValues(t, 0, snapshot[InboxRejected]["count"])
	require.EqualValues(t, 1, snapshot["custom.counter"]["count"])
	require.EqualValues(t, 1, snapshot[DiscoveryFetchDuration]["count"])
}

func TestFlushToFile(t *testing.T) {
	t.Parallel()

	statsFile := filepath.Join(t.TempDir(), "stats.json")
	stats := New(statsFile, time.Hour)
	stats.Inc(WebSubPushDropped)
	require.NoError(t, stats.Close())
	require.NoError(t, stats.Close())

	data, err := os.ReadFile(statsFile)
	require.NoError(t, err)
	var dumped map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &dumped))
	require.EqualValues(t, 1, dumped[WebSubPushDropped]["count"])
}

func TestNoop(t *testing.T) {
	t.Parallel()

	stats := NewNoop()
	stats.Inc(InboxAccepted)
	stats.Observe(DiscoveryFetchDuration, time.Second)
	require.Empty(t, stats.Snapshot())
	require.NoError(t, stats.Close())
}
