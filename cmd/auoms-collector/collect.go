package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/behrlich/auoms-collector/internal/accumulator"
	"github.com/behrlich/auoms-collector/internal/collector"
	"github.com/behrlich/auoms-collector/internal/config"
	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/metrics"
	"github.com/behrlich/auoms-collector/internal/output"
	"github.com/behrlich/auoms-collector/internal/pipeline"
	"github.com/behrlich/auoms-collector/internal/pqueue"
	"github.com/behrlich/auoms-collector/internal/spscqueue"
)

// spscSegmentSize and spscNumSegments size the collector-to-accumulator
// hand-off ring; one allocation holds one netlink message, so a modest
// segment easily holds thousands of in-flight records.
const (
	spscSegmentSize = 1 << 20
	spscNumSegments = 4
)

// procMetricsSamplePeriod matches the source's ProcMetrics one-sample-per-
// second loop.
const procMetricsSamplePeriod = time.Second

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg)
	logging.SetDefault(log)

	ctx := rootContext()

	watcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		log.Warnf("config hot-reload disabled: %v", err)
	} else {
		go watcher.Run(ctx, func(c *config.Config, err error) {
			if err != nil {
				log.Warnf("config reload: %v", err)
				return
			}
			log.SetLevel(logLevelFromString(c.LogLevel))
		})
	}

	queue, err := pqueue.Open(pqueue.Options{
		DataDir:         cfg.QueueDir,
		NumPriorities:   cfg.QueueNumPriorities,
		MaxFileDataSize: cfg.QueueMaxFileDataSize,
		MaxUnsavedFiles: cfg.QueueMaxUnsavedFiles,
		MaxFsBytes:      cfg.QueueMaxFsBytes,
		MaxFsPct:        cfg.QueueMaxFsPct,
		MinFsFreePct:    cfg.QueueMinFsFreePct,
		SaveDelay:       time.Duration(cfg.QueueSaveDelayMs) * time.Millisecond,
	}, log)
	if err != nil {
		return fmt.Errorf("open priority queue: %w", err)
	}
	defer queue.Close()

	pipelineCounters := metrics.New()
	prioritizer := config.NewPrioritizer(cfg)
	builder := event.NewBuilder(queue, prioritizer)

	accum := accumulator.New(builder, newOSUserResolver(), newOSGroupResolver())
	filter := accumulator.NewProcessFilter()
	accum.SetFilter(filter)

	scanner := accumulator.NewProcessInventoryScanner(accum, filter,
		time.Duration(cfg.ProcInventoryPeriodSec)*time.Second,
		time.Duration(cfg.ProcInventoryMinPeriodSec)*time.Second, log)

	// scanner.Run and runPump (below) both drive accum's event.Builder from
	// their own goroutine; Accumulator serializes the two internally (see
	// Accumulator.lockBuilder), so no external synchronization is needed here.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()

	procSampler := metrics.NewProcessSampler(procMetricsSamplePeriod,
		cfg.RSSLimit, cfg.VirtLimit, cfg.RSSPctLimit, fatalOnLimitBreach(log), log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		procSampler.Run(ctx)
	}()

	spsc := spscqueue.New(spscSegmentSize, spscNumSegments)
	coll := collector.New(spsc, collector.Options{
		BacklogLimit:        cfg.BacklogLimit,
		BacklogWaitTime:     cfg.BacklogWaitTime,
		HaveBacklogWaitTime: cfg.BacklogWaitTime > 0,
		Metrics:             pipelineCounters,
		Log:                 log,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := coll.Run(ctx); err != nil {
			log.Errorf("collector: %v", err)
		}
		spsc.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPump(spsc, accum, log)
	}()

	metricsCollector := metrics.NewCollector(pipelineCounters, queue)
	metricsCollector.SetProcessSampler(procSampler)
	for i := range cfg.Outputs {
		oc := cfg.Outputs[i]
		out, outCounters, err := buildOutput(queue, oc, log)
		if err != nil {
			return fmt.Errorf("configure output %s: %w", oc.Name, err)
		}
		metricsCollector.AddOutput(oc.Name, outCounters)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := out.Run(ctx); err != nil {
				log.Errorf("output %s: %v", oc.Name, err)
			}
		}()
	}

	var exporter *metrics.Exporter
	if cfg.MetricsListenAddr != "" {
		exporter, err = metrics.StartExporter(cfg.MetricsListenAddr, metricsCollector)
		if err != nil {
			return fmt.Errorf("start metrics exporter: %w", err)
		}
	}

	stats := newStatsLogger(cfg.StatsLogCron)
	if err := stats.Start(pipelineCounters, log); err != nil {
		log.Warnf("stats logger disabled: %v", err)
	}

	<-ctx.Done()
	log.Infof("shutting down")
	stats.Stop()
	if exporter != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exporter.Shutdown(shutCtx)
		cancel()
	}
	wg.Wait()
	return nil
}

func buildOutput(queue *pqueue.PriorityQueue, oc config.OutputConfig, log *logging.Logger) (*output.Output, *metrics.Counters, error) {
	var writer output.EventWriter
	switch oc.OutputFormat {
	case "json":
		writer = &output.JSONEventWriter{}
	case "raw", "":
		writer = &output.RawEventWriter{}
	default:
		return nil, nil, fmt.Errorf("unrecognized output_format %q", oc.OutputFormat)
	}

	cur, err := queue.OpenCursor(oc.Name)
	if err != nil {
		return nil, nil, err
	}

	counters := metrics.New()
	out := output.New(queue, cur, output.Options{
		Name:         oc.Name,
		Writer:       writer,
		Transport:    output.NewUnixDomainWriter(oc.OutputSocket),
		AckMode:      oc.EnableAckMode,
		AckQueueSize: oc.AckQueueSize,
		Metrics:      counters,
		Log:          log,
	})
	return out, counters, nil
}

// fatalOnLimitBreach logs a KindFatal pipeline.Error and terminates the
// process, the Go rendering of the source's ProcMetrics limit_fn callback.
func fatalOnLimitBreach(log *logging.Logger) func(*pipeline.Error) {
	return func(err *pipeline.Error) {
		log.Errorf("terminating: %v", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logLevelFromString(cfg.LogLevel)
	if cfg.LogFile != "" {
		logCfg.Output = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		}
	}
	return logging.NewLogger(logCfg)
}
