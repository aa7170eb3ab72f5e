package datafetcher

import (
	"log"
	"strings"
)

// Coordinates is a (latitude, longitude) pair
type Coordinates struct {
	Lat float64
	Lon float64
}

// cityCoordinates maps Chinese city names to coordinates
var cityCoordinates = map[string]Coordinates{
	// Hubei cities
	"孝感": {30.9246, 113.9169},
	"宜昌": {30.7026, 111.2865},
	"武汉": {30.5928, 114.3055},
	"荆州": {30.3352, 112.2397},
	"荆门": {31.0354, 112.1994},
	"襄阳": {32.0088, 112.1224},
	"随州": {31.6901, 113.3825},
	"黄冈": {30.4539, 114.8724},

	// Other major cities
	"北京": {39.9042, 116.4074},
	"上海": {31.2304, 121.4737},
	"广州": {23.1291, 113.2644},
	"深圳": {22.5431, 114.0579},
	"杭州": {30.2741, 120.1551},
	"成都": {30.6624, 104.0633},
	"重庆": {29.5630, 106.5516},
	"西安": {34.3416, 108.9398},
	"南京": {32.0603, 118.7969},
	"天津": {39.3434, 117.2008},
}

// GetCityCoordinates resolves a city name to coordinates, tolerating a
// missing or extra "市" suffix. Returns false for unknown cities.
func GetCityCoordinates(cityName string) (Coordinates, bool) {
	cityName = strings.TrimSpace(cityName)

	if coords, ok := cityCoordinates[cityName]; ok {
		return coords, true
	}
	if coords, ok := cityCoordinates[cityName+"市"]; ok {
		return coords, true
	}
	if trimmed, found := strings.CutSuffix(cityName, "市"); found {
		if coords, ok := cityCoordinates[trimmed]; ok {
			return coords, true
		}
	}

	log.Printf("No coordinates found for city %q", cityName)
	return Coordinates{}, false
}
