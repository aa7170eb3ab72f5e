package models

import "time"

// WeatherHourly is one hourly observation/forecast row per (city, time).
// The pair is covered by a unique index so concurrent fetches deduplicate
// at the store.
type WeatherHourly struct {
	City       string    `bson:"city" json:"city"`
	Time       string    `bson:"time" json:"time"` // ISO timestamp from the upstream API
	Baro       *float64  `bson:"baro" json:"baro"`
	Cap        *string   `bson:"cap" json:"cap"` // verbal condition, e.g. "晴"
	DewPt      *float64  `bson:"dewPt" json:"dew_pt"`
	Temp       *float64  `bson:"temp" json:"temp"`
	UTCI       *float64  `bson:"utci" json:"utci"` // feels-like temperature
	Vis        *float64  `bson:"vis" json:"vis"`
	WindSpd    *float64  `bson:"windSpd" json:"wind_spd"`
	WindDir    *float64  `bson:"windDir" json:"wind_dir"`
	CloudCover *float64  `bson:"cloudCover" json:"cloud_cover"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}
