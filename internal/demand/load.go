package demand

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coolsite/internal/fetcher"
)

// LoadTracts reads tracts from a GeoJSON (.geojson, .json) or shapefile
// (.shp) path.
func LoadTracts(path string) ([]Tract, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return ReadTractsShapefile(path)
	case ".geojson", ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadTractsGeoJSON(f)
	}
	return nil, eris.Errorf("demand: unsupported tract format %q", filepath.Ext(path))
}

// LoadSites reads candidate sites from GeoJSON or from a CSV/XLSX table.
func LoadSites(ctx context.Context, path string) ([]CandidateSite, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadSitesGeoJSON(f)
	}
	t, err := fetcher.ReadTable(ctx, path)
	if err != nil {
		return nil, eris.Wrap(err, "demand: read site table")
	}
	return SitesFromTable(t)
}

func firstColumn(t *fetcher.Table, names ...string) int {
	for _, n := range names {
		if i := t.Column(n); i >= 0 {
			return i
		}
	}
	return -1
}

// SitesFromTable parses id, lon and lat columns plus optional name and
// existing columns.
func SitesFromTable(t *fetcher.Table) ([]CandidateSite, error) {
	idCol := firstColumn(t, "id", "site_id")
	lonCol := firstColumn(t, "lon", "lng", "longitude", "x")
	latCol := firstColumn(t, "lat", "latitude", "y")
	if idCol < 0 || lonCol < 0 || latCol < 0 {
		return nil, eris.Errorf("demand: site table needs id, lon and lat columns (have %v)", t.Header)
	}
	nameCol := firstColumn(t, "name")
	existingCol := firstColumn(t, "existing")

	cell := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	sites := make([]CandidateSite, 0, len(t.Rows))
	for n, row := range t.Rows {
		lon, lat := parseFloat(cell(row, lonCol)), parseFloat(cell(row, latCol))
		if lon == nil || lat == nil {
			return nil, eris.Errorf("demand: site row %d: invalid coordinates", n+2)
		}
		existing, _ := parseFlag(cell(row, existingCol))
		sites = append(sites, CandidateSite{
			ID:       cell(row, idCol),
			Name:     cell(row, nameCol),
			LonLat:   orb.Point{*lon, *lat},
			Existing: existing,
		})
	}
	if err := ValidateSites(sites); err != nil {
		return nil, err
	}
	return sites, nil
}
