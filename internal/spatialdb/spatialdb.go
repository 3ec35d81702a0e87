// Package spatialdb wraps a PostGIS database: feature iteration,
// field-list introspection, per-layer CRS, intersection computation, and
// single-feature lookup by id.
//
// Grounded on SoySergo-location_microservice's postgresosm repository
// package (sqlx.DB over a pgx-backed sql.DB, hand-assembled ST_DWithin /
// ST_ClosestPoint / ST_Equals SQL) and on
// original_source/changegen/db.py's OGRDBReader, whose method surface
// (layers/fields/srid/count/iter/find/ids/intersections) this package
// reproduces with a relational driver instead of OGR.
package spatialdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq/hstore"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Feature is a single row from a layer: its id, geometry, and attribute
// values keyed by column name.
type Feature struct {
	ID    string
	Geom  orb.Geometry
	Attrs map[string]string
}

// DataSource is a PostGIS-backed spatial data source.
type DataSource struct {
	db *sqlx.DB
}

// ConnParams are the connection parameters, mirroring the positional CLI
// arguments defaulted from PG* environment variables.
type ConnParams struct {
	DBName string
	Port   string
	User   string
	Host   string
	Pass   string
}

// Open establishes a connection pool to the database described by p. The
// "pgx" driver is registered by github.com/jackc/pgx/v5/stdlib's init,
// the same stdlib-adapter pattern SoySergo-location_microservice uses to
// hand a pgx-backed *sql.DB to sqlx.
func Open(p ConnParams) (*DataSource, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Pass, p.DBName)
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("spatialdb: opening: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("spatialdb: connecting: %w", err)
	}
	return &DataSource{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *DataSource) Close() error {
	return d.db.Close()
}

// Layers returns available layer (table) names matching suffix, drawn
// from information_schema.tables, mirroring __main__.py's _get_db_tables.
func (d *DataSource) Layers(ctx context.Context, suffix string) ([]string, error) {
	rows, err := d.db.QueryxContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_name LIKE $1`,
		"%"+suffix)
	if err != nil {
		return nil, fmt.Errorf("spatialdb: listing layers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Fields returns the ordered attribute column names for layer, excluding
// the geometry column.
func (d *DataSource) Fields(ctx context.Context, layer string) ([]string, error) {
	rows, err := d.db.QueryxContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = $1 AND column_name NOT IN ('geometry', 'geom')
		 ORDER BY ordinal_position`, layer)
	if err != nil {
		return nil, fmt.Errorf("spatialdb: listing fields for %s: %w", layer, err)
	}
	defer rows.Close()

	var fields []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// SRID returns the EPSG code of layer's geometry column.
func (d *DataSource) SRID(ctx context.Context, layer, geomField string) (int, error) {
	var srid int
	err := d.db.GetContext(ctx, &srid,
		fmt.Sprintf(`SELECT ST_SRID(%s) FROM %s LIMIT 1`, geomField, layer))
	if err != nil {
		return 0, fmt.Errorf("spatialdb: reading srid for %s: %w", layer, err)
	}
	return srid, nil
}

// Count returns the number of features in layer.
func (d *DataSource) Count(ctx context.Context, layer string) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT count(*) FROM %s`, layer))
	if err != nil {
		return 0, fmt.Errorf("spatialdb: counting %s: %w", layer, err)
	}
	return n, nil
}

// IDs returns the unique non-null values of field across layer.
func (d *DataSource) IDs(ctx context.Context, layer, field string) ([]string, error) {
	rows, err := d.db.QueryxContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL`, field, layer, field))
	if err != nil {
		return nil, fmt.Errorf("spatialdb: listing ids for %s.%s: %w", layer, field, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, rows.Err()
}

// Find returns the single feature in layer with idField = id, or nil if
// absent. Logs (via the caller) when more than one row matches.
func (d *DataSource) Find(ctx context.Context, layer, id, idField string, geomField string, hstoreCol string) (*Feature, int, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`, layer, idField)
	rows, err := d.db.QueryxContext(ctx, query, id)
	if err != nil {
		return nil, 0, fmt.Errorf("spatialdb: finding %s=%s in %s: %w", idField, id, layer, err)
	}
	defer rows.Close()

	var feat *Feature
	matches := 0
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, matches, err
		}
		cols, err := rows.Columns()
		if err != nil {
			return nil, matches, err
		}
		f, err := rowToFeature(cols, row, geomField, hstoreCol)
		if err != nil {
			return nil, matches, err
		}
		matches++
		if feat == nil {
			feat = f
		}
	}
	return feat, matches, rows.Err()
}

// Iterator lazily yields Feature values from a layer.
type Iterator struct {
	rows      *sqlx.Rows
	geomField string
	hstoreCol string
}

// Iter returns a lazy iterator over layer's features.
func (d *DataSource) Iter(ctx context.Context, layer, geomField, hstoreCol string) (*Iterator, error) {
	rows, err := d.db.QueryxContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, layer))
	if err != nil {
		return nil, fmt.Errorf("spatialdb: iterating %s: %w", layer, err)
	}
	return &Iterator{rows: rows, geomField: geomField, hstoreCol: hstoreCol}, nil
}

// Next advances the iterator. It returns (nil, false, nil) at end of
// stream, and a non-nil error on failure.
func (it *Iterator) Next() (*Feature, bool, error) {
	if !it.rows.Next() {
		return nil, false, it.rows.Err()
	}
	row, err := it.rows.SliceScan()
	if err != nil {
		return nil, false, err
	}
	cols, err := it.rows.Columns()
	if err != nil {
		return nil, false, err
	}
	f, err := rowToFeature(cols, row, it.geomField, it.hstoreCol)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// Close releases the iterator's underlying rows.
func (it *Iterator) Close() error { return it.rows.Close() }

func rowToFeature(cols []string, row []interface{}, geomField, hstoreCol string) (*Feature, error) {
	f := &Feature{Attrs: make(map[string]string, len(cols))}
	for i, c := range cols {
		val := row[i]
		switch c {
		case geomField:
			if b, ok := val.([]byte); ok && len(b) > 0 {
				g, err := wkb.Unmarshal(b)
				if err != nil {
					return nil, fmt.Errorf("spatialdb: decoding geometry: %w", err)
				}
				f.Geom = g
			}
		case hstoreCol:
			if hstoreCol != "" {
				h := hstore.Hstore{}
				if err := h.Scan(val); err == nil {
					for k, v := range h.Map {
						if v.Valid {
							f.Attrs["_hstore_"+k] = v.String
						}
					}
				}
			}
		case "osm_id", "id":
			f.ID = stringify(val)
			f.Attrs[c] = stringify(val)
		default:
			f.Attrs[c] = stringify(val)
		}
	}
	return f, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Intersections returns the ST_ClosestPoint of new-layer features onto
// existing-layer features within buffer (projected-CRS units), excluding
// coincident geometries, and optionally the distinct participating
// existing-layer ids. Query text mirrors db.py's intersections method:
// 9 fractional digits on the distance predicate used for points, 5 on
// the predicate used for the id list.
func (d *DataSource) Intersections(ctx context.Context, newLayer, existingLayer, newGeom, existGeom, existIDField string, wantIDs bool, buffer float64) ([]orb.Point, []string, error) {
	intersectionQuery := fmt.Sprintf(
		`SELECT DISTINCT intersection FROM (
			SELECT ST_ClosestPoint(n.%s, o.%s) AS intersection, n.%s AS ngeom
			FROM %s AS n
			RIGHT JOIN %s AS o
			ON NOT ST_Equals(n.%s, o.%s)
			AND ST_DWithin(n.%s, o.%s, %.9f)
		) isects WHERE isects.ngeom IS NOT NULL`,
		newGeom, existGeom, newGeom, newLayer, existingLayer, newGeom, existGeom, newGeom, existGeom, buffer)

	rows, err := d.db.QueryContext(ctx, intersectionQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("spatialdb: intersections query: %w", err)
	}
	defer rows.Close()

	var points []orb.Point
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, nil, err
		}
		g, err := wkb.Unmarshal(b)
		if err != nil {
			return nil, nil, fmt.Errorf("spatialdb: decoding intersection point: %w", err)
		}
		if pt, ok := g.(orb.Point); ok {
			points = append(points, pt)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if !wantIDs {
		return points, nil, nil
	}

	idQuery := fmt.Sprintf(
		`SELECT DISTINCT o.%s FROM %s o INNER JOIN %s n
		 ON ST_DWithin(n.%s, o.%s, %.5f)`,
		existIDField, existingLayer, newLayer, newGeom, existGeom, buffer)

	idRows, err := d.db.QueryContext(ctx, idQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("spatialdb: intersection id query: %w", err)
	}
	defer idRows.Close()

	var ids []string
	for idRows.Next() {
		var id string
		if err := idRows.Scan(&id); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	return points, ids, idRows.Err()
}

// StripPrefix removes a hstore-derived attribute key prefix ("_hstore_")
// added by rowToFeature, returning the bare key.
func StripPrefix(key string) string {
	return strings.TrimPrefix(key, "_hstore_")
}
