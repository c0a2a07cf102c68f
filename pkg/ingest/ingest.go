// Package ingest drains a Kafka topic of JSON telemetry into the daily
// Arrow IPC files the arrowfile platform serves. It buckets rows by UTC
// day on the epoch field, sorts each bucket, and writes one file per
// day, so a downstream instrument sees a clean daily archive.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platforms/arrowfile"
)

// Config controls one drain run.
type Config struct {
	Brokers []string
	Topic   string
	Group   string

	// Startup selects the reset offset: "earliest" (default) or "latest".
	Startup string

	// Schema is the target frame schema. It must include EpochField with
	// Arrow TIMESTAMP type; remaining fields are filled from same-named
	// JSON keys, null when absent.
	Schema *arrow.Schema

	// EpochField names the JSON key carrying the sample time, either an
	// RFC 3339 string or Unix seconds. Default "epoch".
	EpochField string

	// OutDir and Prefix control output file naming.
	OutDir string
	Prefix string

	// Idle ends the run after this long without new records. Default 5s.
	Idle time.Duration
}

// Stats summarizes a drain run.
type Stats struct {
	Records int
	Skipped int
	Days    int
	Files   []string
}

// Ingester drains a topic once. Not safe for concurrent use.
type Ingester struct {
	cfg   Config
	alloc memory.Allocator
	log   *slog.Logger
}

// New validates the config and builds an ingester.
func New(cfg Config, alloc memory.Allocator) (*Ingester, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("ingest: no topic configured")
	}
	if cfg.Schema == nil {
		return nil, errors.New("ingest: no schema configured")
	}
	if cfg.EpochField == "" {
		cfg.EpochField = frame.DefaultEpochCol
	}
	if indices := cfg.Schema.FieldIndices(cfg.EpochField); len(indices) == 0 ||
		cfg.Schema.Field(indices[0]).Type.ID() != arrow.TIMESTAMP {
		return nil, fmt.Errorf("ingest: schema needs timestamp field %q", cfg.EpochField)
	}
	if cfg.OutDir == "" {
		return nil, errors.New("ingest: no output directory configured")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = cfg.Topic
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 5 * time.Second
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Ingester{
		cfg:   cfg,
		alloc: alloc,
		log:   slog.Default().With("topic", cfg.Topic, "out", cfg.OutDir),
	}, nil
}

type row struct {
	epoch  time.Time
	fields map[string]any
}

// Run consumes until the topic goes idle or ctx is canceled, then writes
// the day files. A canceled context still flushes what was consumed.
func (g *Ingester) Run(ctx context.Context) (Stats, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(g.cfg.Brokers...),
		kgo.ConsumeTopics(g.cfg.Topic),
	}
	if g.cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(g.cfg.Group))
	}
	switch g.cfg.Startup {
	case "latest", "latest-offset":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: create client: %w", err)
	}
	defer client.Close()

	var stats Stats
	days := make(map[time.Time][]row)

	for {
		pollCtx, cancel := context.WithTimeout(ctx, g.cfg.Idle)
		fetches := client.PollFetches(pollCtx)
		cancel()

		done := false
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled) {
					done = true
					continue
				}
				g.log.Error("fetch error", "partition", e.Partition, "error", e.Err)
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			r, err := g.decode(rec.Value)
			if err != nil {
				stats.Skipped++
				g.log.Debug("skipping record", "offset", rec.Offset, "error", err)
				return
			}
			d := dayOf(r.epoch)
			days[d] = append(days[d], r)
			stats.Records++
		})

		if done || ctx.Err() != nil {
			break
		}
	}

	if err := g.flush(days, &stats); err != nil {
		return stats, err
	}
	g.log.Info("drain complete",
		"records", stats.Records, "skipped", stats.Skipped, "days", stats.Days)
	return stats, nil
}

func (g *Ingester) decode(raw []byte) (row, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return row{}, fmt.Errorf("ingest: decode json: %w", err)
	}
	v, ok := fields[g.cfg.EpochField]
	if !ok {
		return row{}, fmt.Errorf("ingest: record missing %q", g.cfg.EpochField)
	}
	t, err := parseEpoch(v)
	if err != nil {
		return row{}, err
	}
	return row{epoch: t, fields: fields}, nil
}

func parseEpoch(v any) (time.Time, error) {
	switch e := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, e)
		if err != nil {
			return time.Time{}, fmt.Errorf("ingest: bad epoch %q: %w", e, err)
		}
		return t.UTC(), nil
	case float64:
		sec := int64(e)
		nsec := int64((e - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("ingest: bad epoch type %T", v)
	}
}

// flush sorts each day bucket and writes it to a daily Arrow file.
func (g *Ingester) flush(days map[time.Time][]row, stats *Stats) error {
	ordered := make([]time.Time, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	for _, d := range ordered {
		rows := days[d]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].epoch.Before(rows[j].epoch) })

		rec, err := g.buildRecord(rows)
		if err != nil {
			return fmt.Errorf("ingest: build %s: %w", d.Format("2006-01-02"), err)
		}
		path, err := arrowfile.WriteDay(g.alloc, g.cfg.OutDir, g.cfg.Prefix, d, rec)
		rec.Release()
		if err != nil {
			return err
		}
		stats.Days++
		stats.Files = append(stats.Files, path)
		g.log.Debug("wrote day file", "day", d.Format("2006-01-02"), "rows", len(rows))
	}
	return nil
}

func (g *Ingester) buildRecord(rows []row) (arrow.Record, error) {
	bldr := array.NewRecordBuilder(g.alloc, g.cfg.Schema)
	defer bldr.Release()

	for _, r := range rows {
		for i := 0; i < g.cfg.Schema.NumFields(); i++ {
			f := g.cfg.Schema.Field(i)
			if f.Name == g.cfg.EpochField {
				unit := f.Type.(*arrow.TimestampType).Unit
				ts, err := arrow.TimestampFromTime(r.epoch, unit)
				if err != nil {
					return nil, err
				}
				bldr.Field(i).(*array.TimestampBuilder).Append(ts)
				continue
			}
			v, ok := r.fields[f.Name]
			if !ok || v == nil {
				bldr.Field(i).AppendNull()
				continue
			}
			appendJSONValue(bldr.Field(i), v)
		}
	}
	return bldr.NewRecord(), nil
}

func appendJSONValue(bldr array.Builder, val any) {
	switch b := bldr.(type) {
	case *array.Int64Builder:
		if v, ok := val.(float64); ok {
			b.Append(int64(v))
		} else {
			b.AppendNull()
		}
	case *array.Float64Builder:
		if v, ok := val.(float64); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.StringBuilder:
		if s, ok := val.(string); ok {
			b.Append(s)
		} else {
			b.Append(fmt.Sprintf("%v", val))
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	default:
		bldr.AppendNull()
	}
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
