package datetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{"P1M", Duration{1, Month}},
		{"P16D", Duration{16, Day}},
		{"P1Y", Duration{1, Year}},
		{"P2W", Duration{2, Week}},
		{"PT6H", Duration{6, Hour}},
		{"PT30M", Duration{30, Minute}},
		{"pt10s", Duration{10, Second}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "1M", "P", "P1Y2M", "P0D", "PXD", "PT1D"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestDurationStringRoundTrip(t *testing.T) {
	for _, s := range []string{"P1M", "P16D", "P1Y", "P2W", "PT6H", "PT30M", "PT10S"} {
		d, err := ParseDuration(s)
		require.NoError(t, err)
		assert.Equal(t, s, d.String())
	}
}

// Month steps are computed from the origin and clamp to the end of month.
func TestAdd_MonthClampsToEndOfMonth(t *testing.T) {
	p1m := MustParseDuration("P1M")
	jan31 := date(2020, time.January, 31)

	assert.Equal(t, date(2020, time.February, 29), Add(jan31, p1m, 1))
	assert.Equal(t, date(2020, time.March, 31), Add(jan31, p1m, 2))
	assert.Equal(t, date(2020, time.April, 30), Add(jan31, p1m, 3))
	assert.Equal(t, date(2019, time.December, 31), Add(jan31, p1m, -1))
	assert.Equal(t, date(2021, time.February, 28), Add(date(2020, time.February, 29), MustParseDuration("P1Y"), 1))
}

func TestAdd_FixedDurations(t *testing.T) {
	t0 := date(2018, time.January, 1)
	assert.Equal(t, date(2018, time.January, 17), Add(t0, MustParseDuration("P16D"), 1))
	assert.Equal(t, date(2018, time.January, 15), Add(t0, MustParseDuration("P1W"), 2))
	assert.Equal(t, t0.Add(18*time.Hour), Add(t0, MustParseDuration("PT6H"), 3))
}

func TestSteps(t *testing.T) {
	tests := []struct {
		name   string
		t0, t1 time.Time
		d      string
		want   int
	}{
		{"monthly year", date(2018, 1, 1), date(2018, 12, 1), "P1M", 12},
		{"monthly year end inclusive", date(2018, 1, 1), date(2018, 12, 31), "P1M", 12},
		{"single instant", date(2018, 1, 1), date(2018, 1, 1), "P1D", 1},
		{"16 days over a month", date(2018, 1, 1), date(2018, 1, 31), "P16D", 2},
		{"yearly", date(2010, 6, 1), date(2019, 1, 1), "P1Y", 9},
		{"t1 before t0", date(2018, 2, 1), date(2018, 1, 1), "P1D", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Steps(tt.t0, tt.t1, MustParseDuration(tt.d)))
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		unit Unit
	}{
		{"2018", date(2018, 1, 1), Year},
		{"2018-03", date(2018, 3, 1), Month},
		{"2018-03-05", date(2018, 3, 5), Day},
		{"20180305", date(2018, 3, 5), Day},
		{"2018-03-05T10:20:30", time.Date(2018, 3, 5, 10, 20, 30, 0, time.UTC), Second},
		{"2018-03-05T10:20:30Z", time.Date(2018, 3, 5, 10, 20, 30, 0, time.UTC), Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, unit, err := Parse(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, tt.unit, unit)
		})
	}

	got, _, err := Parse("March 5, 2018")
	require.NoError(t, err)
	assert.Equal(t, date(2018, 3, 5), got)

	_, _, err = Parse("not a date")
	assert.Error(t, err)
}

func TestTruncateAndFormat(t *testing.T) {
	ts := time.Date(2018, 3, 5, 10, 20, 30, 0, time.UTC)
	assert.Equal(t, date(2018, 3, 1), Truncate(ts, Month))
	assert.Equal(t, date(2018, 1, 1), Truncate(ts, Year))
	assert.Equal(t, "2018-03", Format(ts, Month))
	assert.Equal(t, "2018-03-05T10", Format(ts, Hour))
	assert.Equal(t, "2018-03-05T10:20:30", Format(ts, Second))
}

func TestDuration_Text(t *testing.T) {
	for _, s := range []string{"P1M", "P16D", "PT6H", "P2W", "P1Y", "PT30S"} {
		d := MustParseDuration(s)
		b, err := d.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, s, string(b))

		var back Duration
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, d, back)
	}

	var zero Duration
	b, err := zero.MarshalText()
	require.NoError(t, err)
	assert.Empty(t, b)
	require.Error(t, zero.UnmarshalText([]byte("P1X")))
}
