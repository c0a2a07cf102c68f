// Command perigee-gen produces synthetic spacecraft telemetry from the
// testmodel platform, either straight to a directory of daily Arrow IPC
// files (-out) or to a Kafka topic as JSON, one message per sample. Data
// drained back to disk by perigee-ingest matches what the in-process
// synthetic instrument would load.
//
// JSON schema: { epoch string(RFC3339), latitude, longitude, altitude, slt float64, dummy1 int64 }
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/perigee-space/perigee/pkg/frame"
	"github.com/perigee-space/perigee/pkg/platform"
	"github.com/perigee-space/perigee/pkg/platforms/arrowfile"
	"github.com/perigee-space/perigee/pkg/platforms/testmodel"
)

type sample struct {
	Epoch     string  `json:"epoch"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	SLT       float64 `json:"slt"`
	Dummy1    int64   `json:"dummy1"`
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka bootstrap servers")
	topic := flag.String("topic", "telemetry", "Kafka topic to produce to")
	out := flag.String("out", "", "Write daily Arrow files here instead of producing to Kafka")
	prefix := flag.String("prefix", "telemetry", "File prefix for -out mode")
	start := flag.String("start", "2009-01-01", "First UTC day to generate")
	days := flag.Int("days", 3, "Number of days to generate")
	cadence := flag.Duration("cadence", 10*time.Second, "Sample spacing")
	period := flag.Duration("period", 96*time.Minute, "Synthetic orbit period")
	flag.Parse()

	startDay, err := time.ParseInLocation("2006-01-02", *start, time.UTC)
	if err != nil {
		slog.Error("bad -start", "error", err)
		os.Exit(1)
	}

	adapter, err := testmodel.New(testmodel.Config{
		First:   startDay,
		Last:    startDay.AddDate(0, 0, *days-1),
		Cadence: *cadence,
		Period:  *period,
	})
	if err != nil {
		slog.Error("failed to build testmodel", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down generator...")
		cancel()
	}()

	var client *kgo.Client
	if *out == "" {
		client, err = kgo.NewClient(
			kgo.SeedBrokers(*brokers),
			kgo.DefaultProduceTopic(*topic),
			kgo.ProducerLinger(10*time.Millisecond),
		)
		if err != nil {
			slog.Error("failed to create Kafka client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		slog.Info("producing telemetry", "brokers", *brokers, "topic", *topic, "days", *days)
	} else {
		slog.Info("writing telemetry files", "out", *out, "days", *days)
	}

	pc := platform.NewContext(ctx, memory.DefaultAllocator, "", "gen", "")
	var total int64

	for d := 0; d < *days && ctx.Err() == nil; d++ {
		day := startDay.AddDate(0, 0, d)
		f, _, err := adapter.Load(pc, []string{testmodel.FileID(day)})
		if err != nil {
			slog.Error("generate day failed", "day", day.Format("2006-01-02"), "error", err)
			os.Exit(1)
		}

		if *out != "" {
			path, err := arrowfile.WriteDay(memory.DefaultAllocator, *out, *prefix, day, f.Record())
			if err != nil {
				f.Release()
				slog.Error("write day failed", "day", day.Format("2006-01-02"), "error", err)
				os.Exit(1)
			}
			total += int64(f.NumRows())
			f.Release()
			slog.Info("wrote day", "path", path, "total", total)
			continue
		}

		total += produceDay(ctx, client, f)
		f.Release()
		slog.Info("produced day", "day", day.Format("2006-01-02"), "total", total)
	}

	if client != nil {
		if err := client.Flush(context.Background()); err != nil {
			slog.Warn("flush error", "error", err)
		}
	}
	slog.Info("generator stopped", "total_samples", total)
}

func produceDay(ctx context.Context, client *kgo.Client, f *frame.Frame) int64 {
	rec := f.Record()
	lat := rec.Column(1).(*array.Float64)
	lon := rec.Column(2).(*array.Float64)
	alt := rec.Column(3).(*array.Float64)
	slt := rec.Column(4).(*array.Float64)
	dummy := rec.Column(5).(*array.Int64)

	var n int64
	for i := 0; i < f.NumRows() && ctx.Err() == nil; i++ {
		s := sample{
			Epoch:     f.TimeAt(i).Format(time.RFC3339Nano),
			Latitude:  lat.Value(i),
			Longitude: lon.Value(i),
			Altitude:  alt.Value(i),
			SLT:       slt.Value(i),
			Dummy1:    dummy.Value(i),
		}
		value, _ := json.Marshal(s)
		client.Produce(ctx, &kgo.Record{Value: value}, nil)
		n++
	}
	return n
}
