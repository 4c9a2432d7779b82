package steps

import (
	"fmt"
	"sort"
	"strings"
)

// IndexKind describes a spectral index and the bands it reads.
type IndexKind struct {
	Name    string
	Bands   []string
	Formula string
}

// IndexKinds is the registry of supported spectral indices.
var IndexKinds = map[string]IndexKind{
	"ndvi":       {Name: "ndvi", Bands: []string{"B08", "B04"}, Formula: "(nir - red) / (nir + red)"},
	"ndwi":       {Name: "ndwi", Bands: []string{"B08", "B11"}, Formula: "(nir - swir1) / (nir + swir1)"},
	"msi":        {Name: "msi", Bands: []string{"B08", "B11"}, Formula: "swir1 / nir"},
	"evi":        {Name: "evi", Bands: []string{"B08", "B04", "B02"}, Formula: "2.5 * (nir - red) / (nir + 6*red - 7.5*blue + 1)"},
	"ndre":       {Name: "ndre", Bands: []string{"B08", "B8A"}, Formula: "(nir - rededge4) / (nir + rededge4)"},
	"ndmi":       {Name: "ndmi", Bands: []string{"B08", "B11"}, Formula: "(nir - swir1) / (nir + swir1)"},
	"ci_rededge": {Name: "ci_rededge", Bands: []string{"B08", "B8A"}, Formula: "nir / rededge4 - 1"},
	"sipi":       {Name: "sipi", Bands: []string{"B08", "B04", "B02"}, Formula: "(nir - blue) / (nir - red)"},
}

// LookupIndex returns the named index kind.
func LookupIndex(name string) (IndexKind, error) {
	kind, ok := IndexKinds[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(IndexKinds))
		for n := range IndexKinds {
			names = append(names, n)
		}
		sort.Strings(names)
		return IndexKind{}, fmt.Errorf("unsupported index %q, expected one of %s", name, strings.Join(names, ", "))
	}
	return kind, nil
}
