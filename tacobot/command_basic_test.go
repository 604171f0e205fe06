package tacobot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0s"},
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes", 5*time.Minute + 3*time.Second, "5m 3s"},
		{"hours keep zero minutes", 2*time.Hour + 5*time.Second, "2h 0m 5s"},
		{"exactly one day", 24 * time.Hour, "1d 0h 0m 0s"},
		{
			"days",
			26*time.Hour + 3*time.Minute + 4*time.Second,
			"1d 2h 3m 4s",
		},
		{"rounds to the nearest second", 59600 * time.Millisecond, "1m 0s"},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, formatUptime(tt.d))
			},
		)
	}
}

func TestCountArg(t *testing.T) {
	n, err := countArg("", 1, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = countArg("5", 1, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = countArg("500", 1, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	n, err = countArg("0", 1, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = countArg("-3", 1, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = countArg("lots", 1, 1, 100)
	assert.Error(t, err)
}
