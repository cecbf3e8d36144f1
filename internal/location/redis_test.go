package location

import (
	"errors"
	"testing"
	"time"

	"github.com/librescoot/doze-service/internal/idle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGPSFix(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		values map[string]string
		ok     bool
	}{
		{
			name: "established",
			values: map[string]string{
				"state": "fix-established", "latitude": "52.52", "longitude": "13.405",
				"eph": "8.5", "timestamp": "2024-05-01T11:59:50Z",
			},
			ok: true,
		},
		{
			name: "searching",
			values: map[string]string{
				"state": "searching", "latitude": "52.52", "longitude": "13.405", "eph": "8.5",
			},
		},
		{
			name: "stale",
			values: map[string]string{
				"state": "fix-established", "latitude": "52.52", "longitude": "13.405",
				"eph": "8.5", "timestamp": "2024-05-01T11:50:00Z",
			},
		},
		{
			name: "garbage accuracy",
			values: map[string]string{
				"state": "fix-established", "latitude": "52.52", "longitude": "13.405", "eph": "n/a",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix, err := GPSSource.Parse(tt.values, now)
			if !tt.ok {
				assert.True(t, errors.Is(err, ErrNoFix), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, idle.ProviderGPS, fix.Provider)
			assert.InDelta(t, 52.52, fix.Latitude, 1e-9)
			assert.InDelta(t, 13.405, fix.Longitude, 1e-9)
			assert.InDelta(t, 8.5, fix.Accuracy, 1e-9)
			assert.True(t, now.Add(-10*time.Second).Equal(fix.Time))
		})
	}
}

func TestParseNetworkFixWithoutTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fix, err := NetworkSource.Parse(map[string]string{
		"cell-latitude": "48.1", "cell-longitude": "11.5", "cell-accuracy": "900",
	}, now)
	require.NoError(t, err)
	assert.Equal(t, idle.ProviderNetwork, fix.Provider)
	assert.True(t, now.Equal(fix.Time))
}

func TestRelevantFields(t *testing.T) {
	assert.True(t, GPSSource.relevant("eph"))
	assert.True(t, GPSSource.relevant("state"))
	assert.False(t, GPSSource.relevant("satellites"))
	assert.False(t, NetworkSource.relevant("status"))
}
