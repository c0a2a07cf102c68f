// Command perigee-ingest drains a Kafka telemetry topic into daily Arrow
// IPC files under a local data directory, where the arrowfile platform
// can serve them. It runs until the topic goes idle, flushes, and exits.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/perigee-space/perigee/pkg/ingest"
	"github.com/perigee-space/perigee/pkg/metrics"
	"github.com/perigee-space/perigee/pkg/platforms/testmodel"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka bootstrap servers (comma separated)")
	topic := flag.String("topic", "telemetry", "Kafka topic to consume")
	group := flag.String("group", "", "Consumer group (empty for direct consumption)")
	out := flag.String("out", "./data", "Output directory for daily Arrow files")
	prefix := flag.String("prefix", "", "Output file prefix (default: topic name)")
	idle := flag.Duration("idle", 5*time.Second, "Stop after this long without records")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (empty to disable)")
	flag.Parse()

	if *metricsAddr != "" {
		metrics.ServeMetrics(*metricsAddr)
		slog.Info("serving metrics", "addr", *metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down, flushing buffered days...")
		cancel()
	}()

	ing, err := ingest.New(ingest.Config{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		Group:   *group,
		Schema:  testmodel.Schema(),
		OutDir:  *out,
		Prefix:  *prefix,
		Idle:    *idle,
	}, memory.DefaultAllocator)
	if err != nil {
		slog.Error("bad ingest config", "error", err)
		os.Exit(1)
	}

	stats, err := ing.Run(ctx)
	if err != nil {
		slog.Error("drain failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ingest finished",
		"records", stats.Records,
		"skipped", stats.Skipped,
		"days", stats.Days,
	)
}
