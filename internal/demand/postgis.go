package demand

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/coolsite/internal/db"
)

// PostGISSource names the table and columns holding tract demand. Empty
// optional columns are read as NULL.
type PostGISSource struct {
	Table      string // optionally schema-qualified
	IDColumn   string // default geoid
	GeomColumn string // default geom
	HVIColumn  string // default hvi
	RiskColumn string
	PopColumn  string
	EJColumn   string
}

func (s PostGISSource) withDefaults() PostGISSource {
	if s.IDColumn == "" {
		s.IDColumn = "geoid"
	}
	if s.GeomColumn == "" {
		s.GeomColumn = "geom"
	}
	if s.HVIColumn == "" {
		s.HVIColumn = "hvi"
	}
	return s
}

func (s PostGISSource) query() string {
	optional := func(col, cast string) string {
		if col == "" {
			return "NULL::" + cast
		}
		return pgx.Identifier{col}.Sanitize() + "::" + cast
	}
	return fmt.Sprintf(
		"SELECT %s::text, ST_AsEWKB(ST_Transform(%s, 4326)), %s, %s, %s, %s FROM %s WHERE %s IS NOT NULL ORDER BY 1",
		pgx.Identifier{s.IDColumn}.Sanitize(),
		pgx.Identifier{s.GeomColumn}.Sanitize(),
		optional(s.HVIColumn, "float8"),
		optional(s.RiskColumn, "float8"),
		optional(s.PopColumn, "float8"),
		optional(s.EJColumn, "boolean"),
		db.Identifier(s.Table).Sanitize(),
		pgx.Identifier{s.GeomColumn}.Sanitize(),
	)
}

// LoadPostGIS reads tracts from a PostGIS table. Geometries are decoded from
// EWKB and represented by their centroid.
func LoadPostGIS(ctx context.Context, pool db.Pool, src PostGISSource) ([]Tract, error) {
	if src.Table == "" {
		return nil, eris.New("demand: postgis source needs a table")
	}
	src = src.withDefaults()

	rows, err := pool.Query(ctx, src.query())
	if err != nil {
		return nil, eris.Wrapf(err, "demand: query %s", src.Table)
	}
	defer rows.Close()

	var tracts []Tract
	for rows.Next() {
		var (
			id             string
			wkb            []byte
			hvi, risk, pop pgtype.Float8
			ej             pgtype.Bool
		)
		if err := rows.Scan(&id, &wkb, &hvi, &risk, &pop, &ej); err != nil {
			return nil, eris.Wrapf(err, "demand: scan %s", src.Table)
		}
		g, err := ewkb.Unmarshal(wkb)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: decode geometry for %s", id)
		}
		pt, err := representative(g)
		if err != nil {
			return nil, eris.Wrapf(err, "demand: tract %s", id)
		}
		tracts = append(tracts, Tract{
			ID:     id,
			LonLat: pt,
			HVI:    nullFloat(hvi),
			Risk:   nullFloat(risk),
			Pop:    nullFloat(pop),
			EJ:     ej.Valid && ej.Bool,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "demand: read %s", src.Table)
	}
	return tracts, nil
}

func nullFloat(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
