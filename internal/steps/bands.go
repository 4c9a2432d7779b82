package steps

import (
	"fmt"
	"sort"
)

// Sentinel2Bands maps MSI band codes to their common names.
var Sentinel2Bands = map[string]string{
	"B01": "coastal",
	"B02": "blue",
	"B03": "green",
	"B04": "red",
	"B05": "rededge1",
	"B06": "rededge2",
	"B07": "rededge3",
	"B08": "nir",
	"B8A": "rededge4",
	"B09": "water_vapor",
	"B10": "cirrus",
	"B11": "swir1",
	"B12": "swir2",
}

// DefaultBands is what extract_bands extracts when no bands are given.
var DefaultBands = []string{"B02", "B03", "B04", "B08", "B11"}

// CheckBands reports unknown or repeated band codes.
func CheckBands(bands []string) error {
	if len(bands) == 0 {
		return fmt.Errorf("at least one band is required")
	}
	seen := make(map[string]bool, len(bands))
	var unknown, repeated []string
	for _, b := range bands {
		if _, ok := Sentinel2Bands[b]; !ok {
			unknown = append(unknown, b)
		}
		if seen[b] {
			repeated = append(repeated, b)
		}
		seen[b] = true
	}
	sort.Strings(unknown)
	switch {
	case len(unknown) > 0:
		return fmt.Errorf("unknown Sentinel-2 bands %v", unknown)
	case len(repeated) > 0:
		return fmt.Errorf("bands listed more than once: %v", repeated)
	}
	return nil
}
