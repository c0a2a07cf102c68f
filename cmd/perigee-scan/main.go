// Command perigee-scan iterates an instrument's bounded data day by day
// and, optionally, orbit by orbit, logging a summary per step. It works
// against the built-in synthetic platform or a directory of daily Arrow
// files produced by perigee-ingest.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/bounds"
	"github.com/perigee-space/perigee/pkg/instrument"
	"github.com/perigee-space/perigee/pkg/metrics"
	"github.com/perigee-space/perigee/pkg/orbit"
	"github.com/perigee-space/perigee/pkg/platform"
	"github.com/perigee-space/perigee/pkg/platforms/arrowfile"
	"github.com/perigee-space/perigee/pkg/platforms/testmodel"
)

func main() {
	platformName := flag.String("platform", "testmodel", "Platform: testmodel or arrowfile")
	dataPath := flag.String("data", "./data", "Data directory (arrowfile platform)")
	tag := flag.String("tag", "", "Data product tag")
	start := flag.String("start", "", "Bounds start day YYYY-MM-DD (empty: full catalog)")
	stop := flag.String("stop", "", "Bounds stop day YYYY-MM-DD, inclusive")
	step := flag.Int("step", 1, "Days to advance per iteration")
	width := flag.Int("width", 1, "Days to load per iteration")
	padBefore := flag.Duration("pad-before", 0, "Padding loaded before each step")
	padAfter := flag.Duration("pad-after", 0, "Padding loaded after each step")
	clean := flag.String("clean", "none", "Clean level: none, minimal, light, strict")
	orbits := flag.Bool("orbits", false, "Segment each day into orbits")
	orbitIndex := flag.String("orbit-index", "latitude", "Column driving orbit detection")
	orbitKind := flag.String("orbit-kind", "gradient-sign", "Detection rule: gradient-sign, sign-change, value-change")
	orbitPeriod := flag.Duration("orbit-period", 96*time.Minute, "Nominal orbit period")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (empty to disable)")
	flag.Parse()

	if *metricsAddr != "" {
		metrics.ServeMetrics(*metricsAddr)
		slog.Info("serving metrics", "addr", *metricsAddr)
	}

	level, err := platform.ParseCleanLevel(*clean)
	if err != nil {
		slog.Error("bad -clean", "error", err)
		os.Exit(1)
	}

	var adapter platform.Adapter
	switch *platformName {
	case "testmodel":
		adapter, err = testmodel.New(testmodel.Config{Period: *orbitPeriod})
		if err != nil {
			slog.Error("failed to build testmodel", "error", err)
			os.Exit(1)
		}
	case "arrowfile":
		adapter = &arrowfile.Adapter{}
	default:
		slog.Error("unknown platform", "platform", *platformName)
		os.Exit(1)
	}

	ctx := context.Background()
	inst, err := instrument.New(ctx, instrument.Config{
		Platform:     adapter,
		PlatformName: *platformName,
		Tag:          *tag,
		DataPath:     *dataPath,
		CleanLevel:   level,
		Alloc:        memory.DefaultAllocator,
	})
	if err != nil {
		slog.Error("failed to open instrument", "error", err)
		os.Exit(1)
	}
	defer inst.Close()

	if *start != "" {
		startDay, err := time.ParseInLocation("2006-01-02", *start, time.UTC)
		if err != nil {
			slog.Error("bad -start", "error", err)
			os.Exit(1)
		}
		stopDay := startDay
		if *stop != "" {
			stopDay, err = time.ParseInLocation("2006-01-02", *stop, time.UTC)
			if err != nil {
				slog.Error("bad -stop", "error", err)
				os.Exit(1)
			}
		}
		spec := bounds.Spec{Segments: []bounds.Segment{
			bounds.DateRange(startDay, stopDay, *step, *width),
		}}
		if err := inst.SetBounds(spec); err != nil {
			slog.Error("failed to set bounds", "error", err)
			os.Exit(1)
		}
	}
	if *padBefore > 0 || *padAfter > 0 {
		if err := inst.SetPadding(instrument.Padding{Before: *padBefore, After: *padAfter}); err != nil {
			slog.Error("failed to set padding", "error", err)
			os.Exit(1)
		}
	}

	if *orbits {
		scanOrbits(ctx, inst, orbit.Settings{
			Index:  *orbitIndex,
			Kind:   mustKind(*orbitKind),
			Period: *orbitPeriod,
		})
		return
	}
	scanDays(ctx, inst)
}

func scanDays(ctx context.Context, inst *instrument.Instrument) {
	steps, rows := 0, 0
	for {
		if err := inst.Next(ctx); err != nil {
			if errors.Is(err, instrument.ErrExhausted) {
				break
			}
			slog.Error("load failed", "error", err)
			os.Exit(1)
		}
		p, _ := inst.Current()
		f := inst.Data()
		steps++
		rows += f.NumRows()
		if f.Empty() {
			slog.Info("step", "label", p.Label, "rows", 0)
			continue
		}
		slog.Info("step",
			"label", p.Label,
			"rows", f.NumRows(),
			"first", f.FirstTime().Format(time.RFC3339),
			"last", f.LastTime().Format(time.RFC3339),
		)
	}
	slog.Info("scan complete", "steps", steps, "rows", rows)
}

func scanOrbits(ctx context.Context, inst *instrument.Instrument, set orbit.Settings) {
	seg, err := orbit.New(inst, set)
	if err != nil {
		slog.Error("failed to build segmenter", "error", err)
		os.Exit(1)
	}
	defer seg.Close()

	count := 0
	for {
		f, err := seg.Next(ctx)
		if err != nil {
			if errors.Is(err, orbit.ErrExhausted) {
				break
			}
			slog.Error("orbit load failed", "error", err)
			os.Exit(1)
		}
		count++
		ordinal, start, stopT, _ := seg.Current()
		slog.Info("orbit",
			"ordinal", ordinal,
			"rows", f.NumRows(),
			"start", start.Format(time.RFC3339),
			"stop", stopT.Format(time.RFC3339),
		)
		f.Release()
	}
	slog.Info("orbit scan complete", "orbits", count)
}

func mustKind(s string) orbit.Kind {
	k, err := orbit.ParseKind(s)
	if err != nil {
		slog.Error("bad -orbit-kind", "error", err)
		os.Exit(1)
	}
	return k
}
