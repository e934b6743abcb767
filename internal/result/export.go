package result

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/coolsite/internal/coverage"
	"github.com/sells-group/coolsite/internal/geo"
)

// Output file names written by WriteAll.
const (
	FileJSON    = "result.json"
	FileSummary = "summary.csv"
	FileSteps   = "steps.csv"
	FileDemand  = "demand.csv"
	FileXLSX    = "result.xlsx"
	FileGeoJSON = "selection.geojson"
)

var (
	stepColumns   = []string{"rank", "site_id", "gain", "cumulative", "cumulative_share"}
	demandColumns = []string{"demand_id", "weight", "snapped", "covered", "best_site", "best_seconds"}
)

// WriteJSON writes the full result as indented JSON.
func (r *Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(r), "result: encode json")
}

// summaryRows is the key/value view shared by the CSV and XLSX summaries.
func (r *Result) summaryRows() [][]string {
	return [][]string{
		{"run_id", r.RunID},
		{"mode", string(r.Mode)},
		{"status", string(r.Status)},
		{"requested", strconv.Itoa(r.Requested)},
		{"effective", strconv.Itoa(r.Effective)},
		{"threshold_seconds", ff(r.ThresholdSeconds)},
		{"selected", strconv.Itoa(len(r.Selected))},
		{"pinned", strconv.Itoa(len(r.Pinned))},
		{"total_weight", ff(r.TotalWeight)},
		{"covered_weight", ff(r.CoveredWeight)},
		{"baseline_weight", ff(r.BaselineWeight)},
		{"uncovered_weight", ff(r.UncoveredWeight)},
		{"covered_share", ff(r.CoveredShare)},
		{"diagnostics", strconv.Itoa(len(r.Diagnostics))},
	}
}

func (r *Result) stepRows() [][]string {
	rows := make([][]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		rows = append(rows, []string{strconv.Itoa(s.Rank), s.SiteID, ff(s.Gain), ff(s.Cumulative), ff(s.CumulativeShare)})
	}
	return rows
}

func (r *Result) demandRows() [][]string {
	rows := make([][]string, 0, len(r.Demand))
	for _, d := range r.Demand {
		rows = append(rows, []string{
			d.ID, ff(d.Weight),
			strconv.FormatBool(d.Snapped), strconv.FormatBool(d.Covered),
			d.BestSite, coverage.FormatSeconds(d.BestSeconds),
		})
	}
	return rows
}

// WriteSummaryCSV writes the headline figures as metric,value rows.
func (r *Result) WriteSummaryCSV(w io.Writer) error {
	return writeCSV(w, []string{"metric", "value"}, r.summaryRows())
}

// WriteStepsCSV writes the marginal gain sequence.
func (r *Result) WriteStepsCSV(w io.Writer) error {
	return writeCSV(w, stepColumns, r.stepRows())
}

// WriteDemandCSV writes per-demand coverage.
func (r *Result) WriteDemandCSV(w io.Writer) error {
	return writeCSV(w, demandColumns, r.demandRows())
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "result: write csv header")
	}
	if err := cw.WriteAll(rows); err != nil {
		return eris.Wrap(err, "result: write csv rows")
	}
	return nil
}

// WriteXLSX writes a workbook with summary, steps and demand sheets.
func (r *Result) WriteXLSX(w io.Writer) error {
	f := xlsx.NewFile()
	sheets := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{"summary", []string{"metric", "value"}, r.summaryRows()},
		{"steps", stepColumns, r.stepRows()},
		{"demand", demandColumns, r.demandRows()},
	}
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.name)
		if err != nil {
			return eris.Wrapf(err, "result: add sheet %s", s.name)
		}
		addRow(sheet, s.header)
		for _, row := range s.rows {
			addRow(sheet, row)
		}
	}
	return eris.Wrap(f.Write(w), "result: write xlsx")
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// GeoJSON returns the selected sites as point features.
func (r *Result) GeoJSON() *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for _, s := range r.SelectedSites() {
		props := map[string]interface{}{
			"id":           s.ID,
			"existing":     s.Existing,
			"pinned":       s.Pinned,
			"reach_weight": s.ReachWeight,
			"reach_count":  s.ReachCount,
		}
		if s.Name != "" {
			props["name"] = s.Name
		}
		if s.Rank > 0 {
			props["rank"] = s.Rank
			props["gain"] = s.Gain
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         s.ID,
			Geometry:   geo.PointGeom(orb.Point{s.Lon, s.Lat}),
			Properties: props,
		})
	}
	return fc
}

// WriteGeoJSON writes GeoJSON to w.
func (r *Result) WriteGeoJSON(w io.Writer) error {
	data, err := json.Marshal(r.GeoJSON())
	if err != nil {
		return eris.Wrap(err, "result: encode geojson")
	}
	_, err = w.Write(data)
	return eris.Wrap(err, "result: write geojson")
}

// WriteAll writes every export into dir and returns the paths written.
func (r *Result) WriteAll(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "result: create %s", dir)
	}
	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{FileJSON, r.WriteJSON},
		{FileSummary, r.WriteSummaryCSV},
		{FileSteps, r.WriteStepsCSV},
		{FileDemand, r.WriteDemandCSV},
		{FileXLSX, r.WriteXLSX},
		{FileGeoJSON, r.WriteGeoJSON},
	}
	var paths []string
	for _, wr := range writers {
		path := filepath.Join(dir, wr.name)
		if err := writeFile(path, wr.write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "result: create %s", path)
	}
	if err := write(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "result: close %s", path)
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
