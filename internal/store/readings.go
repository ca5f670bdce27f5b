package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"greenhouse/go-iot-stack/internal/model"
)

// readingTable maps a reading kind onto its table. Value columns sit between
// id/sector_id and recorded_at in every SELECT.
type readingTable struct {
	name    string
	columns []string
	dest    func() []any
	build   func(id int64, sector int, at time.Time, vals []any) model.Reading
}

var readingTables = map[model.ReadingKind]readingTable{
	model.KindEnvironmental: {
		name:    "environmental_readings",
		columns: []string{"temperature", "humidity"},
		dest:    func() []any { return []any{new(float64), new(float64)} },
		build: func(id int64, sector int, at time.Time, vals []any) model.Reading {
			return model.EnvironmentalReading{ID: id, SectorID: sector, Temperature: *vals[0].(*float64), Humidity: *vals[1].(*float64), RecordedAt: at}
		},
	},
	model.KindSoil: {
		name:    "soil_readings",
		columns: []string{"raw_value", "soil_moisture"},
		dest:    func() []any { return []any{new(int), new(float64)} },
		build: func(id int64, sector int, at time.Time, vals []any) model.Reading {
			return model.SoilReading{ID: id, SectorID: sector, RawValue: *vals[0].(*int), SoilMoisture: *vals[1].(*float64), RecordedAt: at}
		},
	},
	model.KindPlantHeight: {
		name:    "plant_height_readings",
		columns: []string{"height_cm"},
		dest:    func() []any { return []any{new(float64)} },
		build: func(id int64, sector int, at time.Time, vals []any) model.Reading {
			return model.PlantHeightReading{ID: id, SectorID: sector, HeightCM: *vals[0].(*float64), RecordedAt: at}
		},
	},
	model.KindLeafCount: {
		name:    "leaf_count_readings",
		columns: []string{"leaf_count"},
		dest:    func() []any { return []any{new(int)} },
		build: func(id int64, sector int, at time.Time, vals []any) model.Reading {
			return model.LeafCountReading{ID: id, SectorID: sector, LeafCount: *vals[0].(*int), RecordedAt: at}
		},
	},
}

func tableFor(kind model.ReadingKind) (readingTable, error) {
	t, ok := readingTables[kind]
	if !ok {
		return readingTable{}, fmt.Errorf("unknown reading kind %q", kind)
	}
	return t, nil
}

func (t readingTable) selectList(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	cols := make([]string, 0, len(t.columns)+3)
	cols = append(cols, prefix+"id", prefix+"sector_id")
	for _, c := range t.columns {
		cols = append(cols, prefix+c)
	}
	cols = append(cols, prefix+"recorded_at")
	return strings.Join(cols, ", ")
}

func (t readingTable) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}
	return false
}

func (t readingTable) scanRow(row rowScanner) (model.Reading, error) {
	var (
		id       int64
		sector   int
		recorded string
	)
	values := t.dest()
	dest := make([]any, 0, len(values)+3)
	dest = append(dest, &id, &sector)
	dest = append(dest, values...)
	dest = append(dest, &recorded)

	if err := row.Scan(dest...); err != nil {
		return nil, unavailable("scan "+t.name, err)
	}
	at, err := parseStoredTime(recorded)
	if err != nil {
		return nil, fmt.Errorf("scan %s %d: %w", t.name, id, err)
	}
	return t.build(id, sector, at, values), nil
}

// AppendReading persists one reading. A zero timestamp is replaced with now.
func (s *Store) AppendReading(ctx context.Context, r model.Reading) error {
	if s.db == nil {
		return errNotInitialized
	}
	query, args, err := insertReading(r)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, query, args...); err != nil {
		return unavailable("insert "+string(r.Kind())+" reading", err)
	}
	return nil
}

// AppendReadings inserts readings in one transaction; either all rows land or none do.
func (s *Store) AppendReadings(ctx context.Context, readings []model.Reading) error {
	if s.db == nil {
		return errNotInitialized
	}
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append readings", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range readings {
		query, args, err := insertReading(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return unavailable("insert "+string(r.Kind())+" reading", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("append readings", err)
	}
	return nil
}

func insertReading(r model.Reading) (string, []any, error) {
	at := r.At()
	if at.IsZero() {
		at = time.Now()
	}
	ts := model.FormatTime(at)

	switch v := r.(type) {
	case model.EnvironmentalReading:
		return `INSERT INTO environmental_readings (sector_id, temperature, humidity, recorded_at) VALUES (?, ?, ?, ?);`,
			[]any{v.SectorID, v.Temperature, v.Humidity, ts}, nil
	case model.SoilReading:
		return `INSERT INTO soil_readings (sector_id, raw_value, soil_moisture, recorded_at) VALUES (?, ?, ?, ?);`,
			[]any{v.SectorID, v.RawValue, v.SoilMoisture, ts}, nil
	case model.PlantHeightReading:
		return `INSERT INTO plant_height_readings (sector_id, height_cm, recorded_at) VALUES (?, ?, ?);`,
			[]any{v.SectorID, v.HeightCM, ts}, nil
	case model.LeafCountReading:
		return `INSERT INTO leaf_count_readings (sector_id, leaf_count, recorded_at) VALUES (?, ?, ?);`,
			[]any{model.LeafCountSector, v.LeafCount, ts}, nil
	}
	return "", nil, fmt.Errorf("append reading: unsupported type %T", r)
}

// LatestPerSector returns the most recent reading of kind for each sector. Ties on
// timestamp resolve to the highest id.
func (s *Store) LatestPerSector(ctx context.Context, kind model.ReadingKind) ([]model.Reading, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx,
		`SELECT `+t.selectList("r")+`
		 FROM `+t.name+` r
		 INNER JOIN (
			SELECT sector_id, MAX(recorded_at) AS max_ts
			FROM `+t.name+`
			GROUP BY sector_id
		 ) latest ON r.sector_id = latest.sector_id AND r.recorded_at = latest.max_ts
		 ORDER BY r.sector_id ASC, r.id DESC;`)
	if err != nil {
		return nil, unavailable("latest "+t.name, err)
	}
	defer rows.Close()

	var readings []model.Reading
	seen := make(map[int]struct{})
	for rows.Next() {
		r, err := t.scanRow(rows)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.Sector()]; dup {
			continue
		}
		seen[r.Sector()] = struct{}{}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate latest "+t.name, err)
	}
	return readings, nil
}

// Window returns readings of kind recorded at or after since, oldest first.
func (s *Store) Window(ctx context.Context, kind model.ReadingKind, since time.Time) ([]model.Reading, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx,
		`SELECT `+t.selectList("")+` FROM `+t.name+` WHERE recorded_at >= ? ORDER BY recorded_at ASC, id ASC;`,
		model.FormatTime(since),
	)
	if err != nil {
		return nil, unavailable("window "+t.name, err)
	}
	defer rows.Close()

	var readings []model.Reading
	for rows.Next() {
		r, err := t.scanRow(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate window "+t.name, err)
	}
	return readings, nil
}

// Aggregate summarises the primary metric of kind since the given time.
func (s *Store) Aggregate(ctx context.Context, kind model.ReadingKind, since time.Time) (model.Aggregate, error) {
	return s.AggregateMetric(ctx, model.PrimaryMetric(kind), since)
}

// AggregateMetric returns avg/min/max/count of one column since the given time.
func (s *Store) AggregateMetric(ctx context.Context, metric model.Metric, since time.Time) (model.Aggregate, error) {
	if s.db == nil {
		return model.Aggregate{}, errNotInitialized
	}
	t, err := tableFor(metric.Kind)
	if err != nil {
		return model.Aggregate{}, err
	}
	if !t.hasColumn(metric.Field) {
		return model.Aggregate{}, fmt.Errorf("unknown field %q for %s", metric.Field, metric.Kind)
	}

	var (
		avg, minV, maxV sql.NullFloat64
		count           int64
	)
	col := metric.Field
	err = s.queryRow(ctx,
		`SELECT AVG(`+col+`), MIN(`+col+`), MAX(`+col+`), COUNT(`+col+`) FROM `+t.name+` WHERE recorded_at >= ?;`,
		model.FormatTime(since),
	).Scan(&avg, &minV, &maxV, &count)
	if err != nil {
		return model.Aggregate{}, unavailable("aggregate "+t.name, err)
	}

	return model.Aggregate{
		Avg:   avg.Float64,
		Min:   minV.Float64,
		Max:   maxV.Float64,
		Count: int(count),
	}, nil
}
