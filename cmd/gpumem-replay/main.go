// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// gpumem-replay replays a synthetic frame workload against host memory
// backed buffer objects and reports allocator statistics and metrics.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1"
	"github.com/containers/gpumem/pkg/bo"
	"github.com/containers/gpumem/pkg/kmd/hostmem"
	logger "github.com/containers/gpumem/pkg/log"
	"github.com/containers/gpumem/pkg/metrics"
	"github.com/containers/gpumem/pkg/metrics/collectors"
)

type logrusFormatter struct{}

func (f *logrusFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return fmt.Appendf(nil, "gpumem-replay: %s %s\n", entry.Level, entry.Message), nil
}

var (
	log = logrus.StandardLogger()
)

const (
	defaultNamespace = "gpumem"
)

func main() {
	log.SetFormatter(&logrusFormatter{})

	configFlag := flag.String("config", "", "Configuration file, YAML or JSON")
	workersFlag := flag.Int("workers", 4, "Number of concurrent workers")
	framesFlag := flag.Int("frames", 100, "Number of frames each worker builds")
	allocsFlag := flag.Int("allocs", 256, "Number of allocations per frame")
	maxSizeFlag := flag.Uint64("max-size", 16*1024, "Largest allocation size in bytes")
	seedFlag := flag.Int64("seed", time.Now().UnixNano(), "Random seed of the workload")
	reclaimFlag := flag.Int("reclaim-every", 0, "Reclaim evictable memory every N frames, 0 disables")
	metricsAddrFlag := flag.String("metrics-addr", "", "Serve metrics over HTTP on this address, e.g. :8891")
	dumpMetricsFlag := flag.Bool("dump-metrics", false, "Print metrics in text format before exiting")
	verboseFlag := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	log.SetLevel(logrus.InfoLevel)
	if *verboseFlag {
		log.SetLevel(logrus.DebugLevel)
		logger.EnableDebug("bo", true)
		logger.EnableDebug("pool", true)
	}

	cfg := &cfgapi.Config{}
	if *configFlag != "" {
		c, err := cfgapi.LoadConfig(*configFlag)
		if err != nil {
			log.Fatalf("%v", err)
		}
		cfg = c
	}
	if err := logger.Configure(&cfg.Log); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	t := hostmem.New()
	defer t.Close()

	dev, err := bo.NewDevice(t, bo.WithConfig(cfg))
	if err != nil {
		log.Fatalf("failed to create device: %v", err)
	}

	gatherer, err := setupMetrics(dev, &cfg.Metrics)
	if err != nil {
		log.Fatalf("failed to set up metrics: %v", err)
	}

	if *metricsAddrFlag != "" {
		go serveMetrics(*metricsAddrFlag, gatherer)
	}

	w := workload{
		workers:      *workersFlag,
		frames:       *framesFlag,
		allocs:       *allocsFlag,
		maxSize:      *maxSizeFlag,
		seed:         *seedFlag,
		reclaimEvery: *reclaimFlag,
		reclaim: func() error {
			_, err := t.Reclaim()
			return err
		},
		closeFd: unix.Close,
	}

	log.Infof("replaying %d frames of %d allocations on %d workers (seed %d)",
		w.frames, w.allocs, w.workers, w.seed)

	start := time.Now()
	res, err := replay(dev, &cfg.Pool, w)
	if err != nil {
		log.Errorf("replay failed: %v", err)
	}
	log.Infof("replayed %s in %s", res, time.Since(start))

	if err := dev.Close(); err != nil {
		log.Errorf("failed to close device: %v", err)
	}
	dev.DumpStats("at exit")

	if *dumpMetricsFlag {
		if err := dumpMetrics(os.Stdout, gatherer); err != nil {
			log.Errorf("failed to dump metrics: %v", err)
		}
	}

	logger.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func setupMetrics(dev *bo.Device, cfg *cfgapi.Metrics) (*metrics.Gatherer, error) {
	if err := bo.NewCollector(dev).Register(metrics.Default()); err != nil {
		return nil, err
	}
	if err := collectors.Register(metrics.Default()); err != nil {
		return nil, err
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	return metrics.NewGatherer(
		metrics.WithNamespace(namespace),
		metrics.WithMetrics(cfg.GetEnabled()),
	)
}

func serveMetrics(addr string, gatherer *metrics.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Get("metrics").SlogHandler(), slog.LevelError),
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("metrics server failed: %v", err)
	}
}

func dumpMetrics(w io.Writer, gatherer *metrics.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
