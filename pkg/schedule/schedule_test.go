package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		text    string
		seconds float64
	}{
		{"every 30 seconds", 30},
		{"every 1 second", 1},
		{"every2.5seconds", 2.5},
		{"every .5 seconds", 0.5},
		{"every 10. seconds", 10},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			spec, err := Parse(tc.text)
			require.NoError(t, err)
			iv, ok := spec.(Interval)
			require.True(t, ok, "expected an interval")
			assert.Equal(t, tc.seconds, iv.Seconds)
		})
	}
}

func TestIntervalRoundTrip(t *testing.T) {
	for _, text := range []string{"every 30 seconds", "every 2.5 seconds", "every 0.5 seconds"} {
		spec, err := Parse(text)
		require.NoError(t, err)
		assert.Equal(t, text, spec.String())

		again, err := Parse(spec.String())
		require.NoError(t, err)
		assert.Equal(t, spec, again)
	}
}

func TestCronRoundTrip(t *testing.T) {
	for _, text := range []string{"* * * * *", "*/5 * * * *", "0 12 * * 1-5", "30 4 1 1 *"} {
		spec, err := Parse(text)
		require.NoError(t, err)
		assert.Equal(t, text, spec.String())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, text := range []string{"", "every seconds", "often", "* * * *", "61 * * * * *"} {
		_, err := Parse(text)
		assert.Error(t, err, "expected %q to be rejected", text)
	}
}

func TestIntervalIsDue(t *testing.T) {
	ref := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	iv := Every(30)

	due, remaining := iv.IsDue(ref, ref.Add(10*time.Second))
	assert.False(t, due)
	assert.InDelta(t, 20, remaining, 0.001)

	due, remaining = iv.IsDue(ref, ref.Add(30*time.Second))
	assert.True(t, due)
	assert.Equal(t, 0.0, remaining)

	due, remaining = iv.IsDue(ref, ref.Add(time.Minute))
	assert.True(t, due)
	assert.Equal(t, 0.0, remaining)
}

func TestCronIsDue(t *testing.T) {
	spec, err := Parse("0 12 * * *")
	require.NoError(t, err)
	ref := time.Date(2026, 8, 2, 11, 0, 0, 0, time.UTC)

	due, remaining := spec.IsDue(ref, ref)
	assert.False(t, due)
	assert.InDelta(t, 3600, remaining, 0.001)

	due, _ = spec.IsDue(ref, ref.Add(time.Hour))
	assert.True(t, due)
}
