// Package testmodel is a self-contained synthetic platform: a
// deterministic spacecraft whose archive needs no files on disk. Every
// UTC day in the configured span is one catalog entry, and loading a day
// regenerates the same samples every time. It exists so the loading
// core, padding, custom pipeline, and orbit segmentation can be tested
// end to end without network or storage.
package testmodel

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/perigee-space/perigee/pkg/catalog"
	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
)

const (
	filePrefix    = "testmodel_"
	earthRadiusKm = 6378.137
)

// Config shapes the synthetic archive.
type Config struct {
	// First and Last bound the archive, inclusive, at UTC day granularity.
	First, Last time.Time

	// Cadence is the sample spacing. Default 10s.
	Cadence time.Duration

	// Period is the synthetic orbit period. Default 96m, which divides
	// 24h evenly so orbit boundaries land on predictable times.
	Period time.Duration

	// TLE1 and TLE2, when both set, switch position generation from the
	// analytic model to SGP4 propagation of the given element set.
	TLE1, TLE2 string

	// FailFiles lists file identifiers whose Load fails, for exercising
	// error paths. Normally empty.
	FailFiles []string
}

// Adapter is the platform.Adapter for the synthetic spacecraft.
type Adapter struct {
	cfg  Config
	sat  satellite.Satellite
	sgp4 bool
	fail map[string]bool
}

var _ platform.Adapter = (*Adapter)(nil)

// New builds the adapter, applying defaults.
func New(cfg Config) (*Adapter, error) {
	if cfg.First.IsZero() {
		cfg.First = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if cfg.Last.IsZero() {
		cfg.Last = time.Date(2009, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	cfg.First = day(cfg.First)
	cfg.Last = day(cfg.Last)
	if cfg.Last.Before(cfg.First) {
		return nil, fmt.Errorf("testmodel: last day %s before first %s",
			cfg.Last.Format("2006-01-02"), cfg.First.Format("2006-01-02"))
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = 10 * time.Second
	}
	if cfg.Period <= 0 {
		cfg.Period = 96 * time.Minute
	}
	a := &Adapter{cfg: cfg, fail: make(map[string]bool)}
	for _, f := range cfg.FailFiles {
		a.fail[f] = true
	}
	if cfg.TLE1 != "" && cfg.TLE2 != "" {
		a.sat = satellite.TLEToSat(cfg.TLE1, cfg.TLE2, satellite.GravityWGS72)
		a.sgp4 = true
	}
	return a, nil
}

// Schema returns the frame schema the adapter produces.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: frame.DefaultEpochCol, Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
		{Name: "latitude", Type: arrow.PrimitiveTypes.Float64},
		{Name: "longitude", Type: arrow.PrimitiveTypes.Float64},
		{Name: "altitude", Type: arrow.PrimitiveTypes.Float64},
		{Name: "slt", Type: arrow.PrimitiveTypes.Float64},
		{Name: "dummy1", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

// FileID returns the catalog identifier for a UTC day.
func FileID(t time.Time) string {
	return filePrefix + day(t).Format("2006-01-02")
}

func parseFileID(id string) (time.Time, error) {
	rest, ok := strings.CutPrefix(id, filePrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("testmodel: bad file id %q", id)
	}
	t, err := time.ParseInLocation("2006-01-02", rest, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("testmodel: bad file id %q: %w", id, err)
	}
	return t, nil
}

// List enumerates one entry per day in the configured span.
func (a *Adapter) List(_ *platform.Context) ([]catalog.Entry, error) {
	var entries []catalog.Entry
	for d := a.cfg.First; !d.After(a.cfg.Last); d = d.AddDate(0, 0, 1) {
		entries = append(entries, catalog.Entry{Time: d, File: FileID(d)})
	}
	return entries, nil
}

// Load regenerates the samples for the given days.
func (a *Adapter) Load(pc *platform.Context, files []string) (*frame.Frame, platform.Metadata, error) {
	bldr := array.NewRecordBuilder(pc.Alloc, Schema())
	defer bldr.Release()

	epochB := bldr.Field(0).(*array.TimestampBuilder)
	latB := bldr.Field(1).(*array.Float64Builder)
	lonB := bldr.Field(2).(*array.Float64Builder)
	altB := bldr.Field(3).(*array.Float64Builder)
	sltB := bldr.Field(4).(*array.Float64Builder)
	dummyB := bldr.Field(5).(*array.Int64Builder)

	for _, file := range files {
		if a.fail[file] {
			return nil, nil, fmt.Errorf("testmodel: simulated failure for %s", file)
		}
		d, err := parseFileID(file)
		if err != nil {
			return nil, nil, err
		}
		end := d.AddDate(0, 0, 1)
		for t := d; t.Before(end); t = t.Add(a.cfg.Cadence) {
			lat, lon, alt := a.position(t)
			ts, err := arrow.TimestampFromTime(t, arrow.Microsecond)
			if err != nil {
				return nil, nil, fmt.Errorf("testmodel: %w", err)
			}
			epochB.Append(ts)
			latB.Append(lat)
			lonB.Append(lon)
			altB.Append(alt)
			sltB.Append(solarLocalTime(t, lon))
			dummyB.Append(int64(t.Sub(a.cfg.First) / a.cfg.Cadence % 24))
		}
	}

	rec := bldr.NewRecord()
	f, err := frame.New(rec, frame.DefaultEpochCol)
	if err != nil {
		rec.Release()
		return nil, nil, err
	}
	meta := platform.Metadata{
		"platform":       "testmodel",
		"cadence_s":      a.cfg.Cadence.Seconds(),
		"period_s":       a.cfg.Period.Seconds(),
		"units":          map[string]string{"latitude": "deg", "longitude": "deg", "altitude": "km", "slt": "h"},
		"position_model": map[bool]string{true: "sgp4", false: "analytic"}[a.sgp4],
	}
	return f, meta, nil
}

// Clean drops rows whose position is not finite. The analytic model
// never produces such rows; SGP4 can when propagation diverges.
func (a *Adapter) Clean(pc *platform.Context, f *frame.Frame, level platform.CleanLevel) error {
	if level < platform.CleanLight || f.Empty() {
		return nil
	}
	lat, err := f.Column("latitude")
	if err != nil {
		return err
	}
	lon, err := f.Column("longitude")
	if err != nil {
		return err
	}
	latV, lonV := lat.(*array.Float64), lon.(*array.Float64)

	keep := make([]int, 0, f.NumRows())
	for i := 0; i < f.NumRows(); i++ {
		if isFinite(latV.Value(i)) && isFinite(lonV.Value(i)) {
			keep = append(keep, i)
		}
	}
	if len(keep) == f.NumRows() {
		return nil
	}
	pc.Logger.Debug("clean dropped rows", "dropped", f.NumRows()-len(keep), "level", level.String())
	return rebuildRows(pc, f, keep)
}

// rebuildRows rewrites f keeping only the listed row indices.
func rebuildRows(pc *platform.Context, f *frame.Frame, keep []int) error {
	bldr := array.NewRecordBuilder(pc.Alloc, f.Schema())
	defer bldr.Release()
	rec := f.Record()
	for c := 0; c < int(rec.NumCols()); c++ {
		src := rec.Column(c)
		dst := bldr.Field(c)
		for _, i := range keep {
			if src.IsNull(i) {
				dst.AppendNull()
				continue
			}
			switch s := src.(type) {
			case *array.Timestamp:
				dst.(*array.TimestampBuilder).Append(s.Value(i))
			case *array.Float64:
				dst.(*array.Float64Builder).Append(s.Value(i))
			case *array.Int64:
				dst.(*array.Int64Builder).Append(s.Value(i))
			default:
				return fmt.Errorf("testmodel: clean cannot rebuild column type %s", src.DataType())
			}
		}
	}
	return f.SwapRecord(bldr.NewRecord())
}

// position yields latitude/longitude in degrees and altitude in km.
func (a *Adapter) position(t time.Time) (lat, lon, alt float64) {
	if a.sgp4 {
		return a.sgp4Position(t)
	}
	elapsed := t.Sub(a.cfg.First).Seconds()
	phase := 2 * math.Pi * math.Mod(elapsed, a.cfg.Period.Seconds()) / a.cfg.Period.Seconds()
	lat = 72 * math.Sin(phase)
	// Ground track drifts westward one full revolution per day on top of
	// the in-orbit motion.
	lon = math.Mod(360*elapsed/a.cfg.Period.Seconds()-360*elapsed/86400, 360)
	if lon < 0 {
		lon += 360
	}
	alt = 550 + 25*math.Cos(phase)
	return lat, lon, alt
}

func (a *Adapter) sgp4Position(t time.Time) (lat, lon, alt float64) {
	year, month, dayN := t.Date()
	hour, min, sec := t.Clock()
	posECI, _ := satellite.Propagate(a.sat, year, int(month), dayN, hour, min, sec)
	jd := satellite.JDay(year, int(month), dayN, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	p := satellite.ECIToECEF(posECI, gmst)

	r := math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
	lat = math.Atan2(p.Z, math.Sqrt(p.X*p.X+p.Y*p.Y)) * 180 / math.Pi
	lon = math.Mod(math.Atan2(p.Y, p.X)*180/math.Pi, 360)
	if lon < 0 {
		lon += 360
	}
	alt = r - earthRadiusKm
	return lat, lon, alt
}

// solarLocalTime wraps UTC hours plus longitude offset into [0, 24).
func solarLocalTime(t time.Time, lonDeg float64) float64 {
	utcHours := float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
	slt := math.Mod(utcHours+lonDeg/15, 24)
	if slt < 0 {
		slt += 24
	}
	return slt
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
