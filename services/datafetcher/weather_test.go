package datafetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHourlyWeatherKeepsTopOfHourOnly(t *testing.T) {
	payload := []byte(`{"value":[{"responses":[{"weather":[{
		"current":{"created":"2026-08-26T10:00:00+08:00","temp":28.5,"cap":"晴"},
		"forecast":{"days":[
			{"hourly":[
				{"valid":"2026-08-26T11:00:00+08:00","temp":29.1,"windSpd":12.0},
				{"valid":"2026-08-26T11:30:00+08:00","temp":29.5},
				{"valid":"2026-08-26T12:00:00+08:00","temp":30.0}
			]},
			{"hourly":[
				{"valid":"2026-08-27T08:00:00+08:00","temp":24.0}
			]}
		]}
	}]}]}]}`)

	rows, err := parseHourlyWeather(payload, 2)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "2026-08-26T10:00:00+08:00", rows[0].Time)
	require.NotNil(t, rows[0].Temp)
	assert.Equal(t, 28.5, *rows[0].Temp)
	require.NotNil(t, rows[0].Cap)
	assert.Equal(t, "晴", *rows[0].Cap)

	assert.Equal(t, "2026-08-26T11:00:00+08:00", rows[1].Time)
	assert.Equal(t, "2026-08-26T12:00:00+08:00", rows[2].Time)
	assert.Equal(t, "2026-08-27T08:00:00+08:00", rows[3].Time)
}

func TestParseHourlyWeatherTruncatesToRequestedDays(t *testing.T) {
	payload := []byte(`{"value":[{"responses":[{"weather":[{
		"current":{"created":"2026-08-26T10:15:00+08:00"},
		"forecast":{"days":[
			{"hourly":[{"valid":"2026-08-26T11:00:00+08:00"}]},
			{"hourly":[{"valid":"2026-08-27T11:00:00+08:00"}]},
			{"hourly":[{"valid":"2026-08-28T11:00:00+08:00"}]}
		]}
	}]}]}]}`)

	rows, err := parseHourlyWeather(payload, 1)
	require.NoError(t, err)
	// current is off the hour, only the first forecast day survives
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-08-26T11:00:00+08:00", rows[0].Time)
}

func TestParseHourlyWeatherEmptyPayload(t *testing.T) {
	_, err := parseHourlyWeather([]byte(`{"value":[]}`), 3)
	assert.Error(t, err)

	_, err = parseHourlyWeather([]byte(`not json`), 3)
	assert.Error(t, err)
}

func TestIsTopOfHour(t *testing.T) {
	assert.True(t, isTopOfHour("2026-08-26T11:00:00+08:00"))
	assert.False(t, isTopOfHour("2026-08-26T11:30:00+08:00"))
	assert.False(t, isTopOfHour(""))
	// strings RFC 3339 cannot parse fall back to substring checks
	assert.True(t, isTopOfHour("2026-08-26 11:00:00"))
	assert.False(t, isTopOfHour("2026-08-26 11:45:00"))
}

func TestGetCityCoordinates(t *testing.T) {
	coords, ok := GetCityCoordinates("北京")
	require.True(t, ok)
	assert.InDelta(t, 39.9, coords.Lat, 0.2)

	// trailing 市 suffix resolves to the same city
	withSuffix, ok := GetCityCoordinates("北京市")
	require.True(t, ok)
	assert.Equal(t, coords, withSuffix)

	_, ok = GetCityCoordinates("不存在的城市")
	assert.False(t, ok)
}
