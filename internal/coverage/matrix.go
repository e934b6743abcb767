// Package coverage computes walking-time coverage between demand points and
// candidate sites.
package coverage

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	"github.com/rotisserie/eris"
)

// ErrBeyondCutoff is returned by WithThreshold when the requested threshold
// exceeds the search cutoff the matrix was computed with.
var ErrBeyondCutoff = eris.New("coverage: threshold exceeds computed cutoff")

// Entry is one (demand, site) pair.
type Entry struct {
	DemandID string  `json:"demand_id"`
	SiteID   string  `json:"site_id"`
	Seconds  float64 `json:"-"` // +Inf when unreachable
	Covered  bool    `json:"covered"`
}

// Matrix holds travel times between demand points (rows, input order) and
// sites (columns, input order). Only pairs where both ends snapped carry
// finite times; all others are +Inf. A Matrix is immutable.
type Matrix struct {
	demandIDs     []string
	siteIDs       []string
	demandSnapped []bool
	siteSnapped   []bool
	seconds       [][]float64
	threshold     float64
	cutoff        float64

	// Sparse covered relation, derived from seconds and threshold.
	coveredBy [][]int // per site: demand rows
	covers    [][]int // per demand: site columns
}

func newMatrix(demandIDs, siteIDs []string, demandSnapped, siteSnapped []bool, seconds [][]float64, threshold, cutoff float64) *Matrix {
	m := &Matrix{
		demandIDs:     demandIDs,
		siteIDs:       siteIDs,
		demandSnapped: demandSnapped,
		siteSnapped:   siteSnapped,
		seconds:       seconds,
		threshold:     threshold,
		cutoff:        cutoff,
	}
	m.index()
	return m
}

// NewMatrix builds a matrix from explicit travel times with every demand
// point and site treated as snapped. seconds is indexed [demand][site];
// +Inf marks unreachable pairs.
func NewMatrix(demandIDs, siteIDs []string, seconds [][]float64, thresholdSeconds float64) (*Matrix, error) {
	if thresholdSeconds < 0 || math.IsNaN(thresholdSeconds) {
		return nil, eris.Errorf("coverage: invalid threshold %v", thresholdSeconds)
	}
	if len(seconds) != len(demandIDs) {
		return nil, eris.Errorf("coverage: %d rows for %d demand points", len(seconds), len(demandIDs))
	}
	rows := make([][]float64, len(seconds))
	for d, row := range seconds {
		if len(row) != len(siteIDs) {
			return nil, eris.Errorf("coverage: row %d has %d columns for %d sites", d, len(row), len(siteIDs))
		}
		for _, v := range row {
			if math.IsNaN(v) || v < 0 {
				return nil, eris.Errorf("coverage: row %d: invalid travel time %v", d, v)
			}
		}
		rows[d] = append([]float64(nil), row...)
	}
	return newMatrix(
		append([]string(nil), demandIDs...),
		append([]string(nil), siteIDs...),
		allTrue(len(demandIDs)), allTrue(len(siteIDs)),
		rows, thresholdSeconds, math.Inf(1),
	), nil
}

func allTrue(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}

// index derives the covered relation. Covered iff seconds <= threshold; +Inf
// never compares <= a finite threshold.
func (m *Matrix) index() {
	m.coveredBy = make([][]int, len(m.siteIDs))
	m.covers = make([][]int, len(m.demandIDs))
	for d, row := range m.seconds {
		for s, v := range row {
			if v <= m.threshold {
				m.covers[d] = append(m.covers[d], s)
				m.coveredBy[s] = append(m.coveredBy[s], d)
			}
		}
	}
}

// NumDemand returns the row count.
func (m *Matrix) NumDemand() int { return len(m.demandIDs) }

// NumSites returns the column count.
func (m *Matrix) NumSites() int { return len(m.siteIDs) }

// DemandID returns the identifier of row d.
func (m *Matrix) DemandID(d int) string { return m.demandIDs[d] }

// SiteID returns the identifier of column s.
func (m *Matrix) SiteID(s int) string { return m.siteIDs[s] }

// SiteIDs returns a copy of the column identifiers.
func (m *Matrix) SiteIDs() []string { return append([]string(nil), m.siteIDs...) }

// DemandIDs returns a copy of the row identifiers.
func (m *Matrix) DemandIDs() []string { return append([]string(nil), m.demandIDs...) }

// DemandSnapped reports whether row d was attached to the network.
func (m *Matrix) DemandSnapped(d int) bool { return m.demandSnapped[d] }

// SiteSnapped reports whether column s was attached to the network.
func (m *Matrix) SiteSnapped(s int) bool { return m.siteSnapped[s] }

// Threshold returns the coverage threshold in seconds.
func (m *Matrix) Threshold() float64 { return m.threshold }

// Cutoff returns the search cutoff in seconds (+Inf when unpruned).
func (m *Matrix) Cutoff() float64 { return m.cutoff }

// Seconds returns the travel time from demand d to site s.
func (m *Matrix) Seconds(d, s int) float64 { return m.seconds[d][s] }

// Covered reports whether site s covers demand d.
func (m *Matrix) Covered(d, s int) bool { return m.seconds[d][s] <= m.threshold }

// CoveredBy returns the demand rows that site s covers, ascending. The
// slice is shared and must not be modified.
func (m *Matrix) CoveredBy(s int) []int { return m.coveredBy[s] }

// Covers returns the site columns that cover demand d, ascending. The slice
// is shared and must not be modified.
func (m *Matrix) Covers(d int) []int { return m.covers[d] }

// BestSeconds returns the shortest travel time from demand d to any site
// among cols (all sites when cols is nil), and that site's column or -1.
func (m *Matrix) BestSeconds(d int, cols []int) (float64, int) {
	best, at := math.Inf(1), -1
	consider := func(s int) {
		if v := m.seconds[d][s]; v < best {
			best, at = v, s
		}
	}
	if cols == nil {
		for s := range m.siteIDs {
			consider(s)
		}
	} else {
		for _, s := range cols {
			consider(s)
		}
	}
	return best, at
}

// Entries returns every pair whose demand and site both snapped, ordered by
// row then column.
func (m *Matrix) Entries() []Entry {
	var out []Entry
	for d, row := range m.seconds {
		if !m.demandSnapped[d] {
			continue
		}
		for s, v := range row {
			if !m.siteSnapped[s] {
				continue
			}
			out = append(out, Entry{
				DemandID: m.demandIDs[d],
				SiteID:   m.siteIDs[s],
				Seconds:  v,
				Covered:  v <= m.threshold,
			})
		}
	}
	return out
}

// WithThreshold derives a matrix with a different threshold, sharing the
// travel times.
func (m *Matrix) WithThreshold(thresholdSeconds float64) (*Matrix, error) {
	if math.IsNaN(thresholdSeconds) || thresholdSeconds < 0 {
		return nil, eris.Errorf("coverage: invalid threshold %v", thresholdSeconds)
	}
	if thresholdSeconds > m.cutoff {
		return nil, eris.Wrapf(ErrBeyondCutoff, "threshold %.1fs, cutoff %.1fs", thresholdSeconds, m.cutoff)
	}
	return newMatrix(m.demandIDs, m.siteIDs, m.demandSnapped, m.siteSnapped, m.seconds, thresholdSeconds, m.cutoff), nil
}

// Restrict keeps only the listed sites, in their original column order.
// Unknown identifiers are ignored.
func (m *Matrix) Restrict(siteIDs []string) *Matrix {
	want := make(map[string]bool, len(siteIDs))
	for _, id := range siteIDs {
		want[id] = true
	}
	var cols []int
	for s, id := range m.siteIDs {
		if want[id] {
			cols = append(cols, s)
		}
	}

	ids := make([]string, len(cols))
	snapped := make([]bool, len(cols))
	for i, s := range cols {
		ids[i], snapped[i] = m.siteIDs[s], m.siteSnapped[s]
	}
	seconds := make([][]float64, len(m.seconds))
	for d, row := range m.seconds {
		seconds[d] = make([]float64, len(cols))
		for i, s := range cols {
			seconds[d][i] = row[s]
		}
	}
	return newMatrix(m.demandIDs, ids, m.demandSnapped, snapped, seconds, m.threshold, m.cutoff)
}

// Align reorders the matrix to the given demand and site ids. Ids with no
// row or column in m are added as unsnapped and unreachable and returned in
// missingDemand and missingSites. Every id of m must be listed.
func (m *Matrix) Align(demandIDs, siteIDs []string) (aligned *Matrix, missingDemand, missingSites []string, err error) {
	if err := listsAll(m.demandIDs, demandIDs, "demand"); err != nil {
		return nil, nil, nil, err
	}
	if err := listsAll(m.siteIDs, siteIDs, "site"); err != nil {
		return nil, nil, nil, err
	}
	rowOf, colOf := positions(m.demandIDs), positions(m.siteIDs)

	siteSnapped := make([]bool, len(siteIDs))
	for s, id := range siteIDs {
		c, ok := colOf[id]
		if !ok {
			missingSites = append(missingSites, id)
			continue
		}
		siteSnapped[s] = m.siteSnapped[c]
	}

	demandSnapped := make([]bool, len(demandIDs))
	seconds := make([][]float64, len(demandIDs))
	for d, id := range demandIDs {
		row := make([]float64, len(siteIDs))
		r, ok := rowOf[id]
		if ok {
			demandSnapped[d] = m.demandSnapped[r]
		} else {
			missingDemand = append(missingDemand, id)
		}
		for s, sid := range siteIDs {
			row[s] = math.Inf(1)
			if c, found := colOf[sid]; ok && found {
				row[s] = m.seconds[r][c]
			}
		}
		seconds[d] = row
	}
	aligned = newMatrix(
		append([]string(nil), demandIDs...),
		append([]string(nil), siteIDs...),
		demandSnapped, siteSnapped, seconds, m.threshold, m.cutoff,
	)
	return aligned, missingDemand, missingSites, nil
}

func positions(ids []string) map[string]int {
	out := make(map[string]int, len(ids))
	for i, id := range ids {
		out[id] = i
	}
	return out
}

func listsAll(have, listed []string, role string) error {
	want := positions(listed)
	if len(want) != len(listed) {
		return eris.Errorf("coverage: duplicate %s id", role)
	}
	for _, id := range have {
		if _, ok := want[id]; !ok {
			return eris.Errorf("coverage: matrix %s %q not in %s list", role, id, role)
		}
	}
	return nil
}

// WriteCSV writes Entries as demand_id,site_id,travel_seconds,covered.
// Unreachable pairs are written as "inf".
func (m *Matrix) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"demand_id", "site_id", "travel_seconds", "covered"}); err != nil {
		return eris.Wrap(err, "coverage: write csv header")
	}
	for _, e := range m.Entries() {
		if err := cw.Write([]string{e.DemandID, e.SiteID, FormatSeconds(e.Seconds), strconv.FormatBool(e.Covered)}); err != nil {
			return eris.Wrap(err, "coverage: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "coverage: flush csv")
}

// ReadCSV loads a matrix written by WriteCSV. Row and column order follow
// first appearance; pairs absent from the file are unreachable. Coverage is
// recomputed against thresholdSeconds, which also becomes the cutoff since
// the original search bound is not recorded.
func ReadCSV(r io.Reader, thresholdSeconds float64) (*Matrix, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "coverage: read csv header")
	}
	if header[0] != "demand_id" || header[1] != "site_id" {
		return nil, eris.Errorf("coverage: unexpected csv header %v", header)
	}

	type pair struct{ d, s int }
	demandIdx := map[string]int{}
	siteIdx := map[string]int{}
	var demandIDs, siteIDs []string
	values := map[pair]float64{}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "coverage: read csv line %d", line)
		}
		d, ok := demandIdx[rec[0]]
		if !ok {
			d = len(demandIDs)
			demandIdx[rec[0]] = d
			demandIDs = append(demandIDs, rec[0])
		}
		s, ok := siteIdx[rec[1]]
		if !ok {
			s = len(siteIDs)
			siteIdx[rec[1]] = s
			siteIDs = append(siteIDs, rec[1])
		}
		v := math.Inf(1)
		if rec[2] != "inf" {
			v, err = strconv.ParseFloat(rec[2], 64)
			if err != nil {
				return nil, eris.Wrapf(err, "coverage: line %d: parse travel_seconds", line)
			}
		}
		values[pair{d, s}] = v
	}

	seconds := make([][]float64, len(demandIDs))
	for d := range seconds {
		seconds[d] = make([]float64, len(siteIDs))
		for s := range seconds[d] {
			v, ok := values[pair{d, s}]
			if !ok {
				v = math.Inf(1)
			}
			seconds[d][s] = v
		}
	}
	m, err := NewMatrix(demandIDs, siteIDs, seconds, thresholdSeconds)
	if err != nil {
		return nil, err
	}
	m.cutoff = thresholdSeconds
	return m, nil
}

// FormatSeconds renders a travel time with millisecond precision, or "inf".
func FormatSeconds(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}
