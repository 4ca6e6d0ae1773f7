package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/cyton-acquisition/internal/acquisition"
	"sleepywoodpecker/cyton-acquisition/internal/classify"
	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/display"
	"sleepywoodpecker/cyton-acquisition/internal/logger"
	"sleepywoodpecker/cyton-acquisition/internal/metrics"
	"sleepywoodpecker/cyton-acquisition/internal/persistence"
	"sleepywoodpecker/cyton-acquisition/internal/presentation"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

const STATUS_QUEUE_LENGTH = 64

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration file, defaults are used when empty")
	port := pflag.StringP("port", "p", "", "serial port of the board, overrides board.port")
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != "" {
		cfg.Board.Port = *port
	}

	// first initialize the main logger
	logger, err := logger.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// context handler for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("[main] exiting with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("[main] shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()
	settings := config.NewSettingsStore(cfg.Settings)
	sampleRate := cfg.Board.SampleRate()

	// sample queues, one per consumer
	rawQueue := processing.NewQueue[processing.Sample]("raw", cfg.Queues.Raw)
	windowInput := processing.NewQueue[processing.Sample]("window", cfg.Queues.Window)
	displayQueue := processing.NewQueue[processing.Sample]("display", cfg.Queues.Display)
	telemetryQueue := processing.NewQueue[processing.Sample]("telemetry", cfg.Queues.Display)

	sampleQueues := []*processing.Queue[processing.Sample]{rawQueue, windowInput}
	if cfg.Display.Listen != "" {
		sampleQueues = append(sampleQueues, displayQueue)
	}
	if cfg.Telemetry.TelegrafAddr != "" {
		sampleQueues = append(sampleQueues, telemetryQueue)
	}
	samples := processing.NewFanout(processing.Sample.Clone, logger, m, sampleQueues...)

	// window queues
	persistWindows := processing.NewQueue[processing.Window]("persistence", cfg.Queues.Window)
	classifierWindows := processing.NewQueue[processing.Window]("classifier", cfg.Queues.Window)
	windowQueues := []*processing.Queue[processing.Window]{persistWindows}
	if cfg.Classifier.Enabled {
		windowQueues = append(windowQueues, classifierWindows)
	}
	windows := processing.NewFanout(processing.Window.Clone, logger, m, windowQueues...)

	aggregator := processing.NewWindowAggregator(windowInput, windows, settings, sampleRate, logger, m)
	reporter := acquisition.NewReporter(os.Stdout, STATUS_QUEUE_LENGTH, logger)
	flush := acquisition.NewSignal()
	controller := acquisition.NewController(acquisition.Params{
		Board:      cfg.Board,
		Settings:   settings,
		Assembler:  processing.NewSampleAssembler(settings, cfg.Board.Daisy, logger, m),
		Samples:    samples,
		Aggregator: aggregator,
		Flush:      flush,
		Reporter:   reporter,
		Metrics:    m,
	}, logger)
	writer := persistence.NewSessionWriter(cfg.Persistence.Directory, rawQueue, persistWindows, settings, cfg.Board.ChannelCount(), logger)

	var bridge *presentation.Bridge
	if cfg.Presentation.Listen != "" {
		mode, err := presentation.ParseMode(cfg.Presentation.Mode)
		if err != nil {
			return err
		}
		bridge = presentation.NewBridge(controller, mode, logger)
	}

	var sampler *processing.Sampler
	if cfg.Telemetry.TelegrafAddr != "" {
		// initialize UDP connection to telegraf
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Telemetry.TelegrafAddr)
		if err != nil {
			return err
		}
		udpConn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			return err
		}
		defer udpConn.Close()
		sampler = processing.NewSampler(cfg.Telemetry.Interval, udpConn, telemetryQueue, logger)
	}

	var runner *classify.Runner
	if cfg.Classifier.Enabled {
		classifier, err := classify.NewSpectralPeak(cfg.Classifier, sampleRate)
		if err != nil {
			return err
		}
		sinks := []classify.Sink{classify.NewLogSink(logger)}
		if cfg.MQTT.Enabled {
			mqttSink, err := classify.DialMQTT(cfg.MQTT, logger)
			if err != nil {
				return err
			}
			defer mqttSink.Close()
			sinks = append(sinks, mqttSink)
		}
		runner = classify.NewRunner(classifier, classifierWindows, logger, m, sinks...)
	}

	g, ctx := errgroup.WithContext(ctx)

	// the aggregator and the writer must outlive the controller so the last
	// session is still windowed and saved on shutdown
	pipelineCtx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPipeline()

	g.Go(func() error {
		defer stopPipeline()
		return controller.Run(ctx)
	})
	g.Go(func() error { return aggregator.Run(pipelineCtx) })
	g.Go(func() error { return writer.Run(pipelineCtx, flush.C()) })

	if cfg.Display.Listen != "" {
		server := display.NewServer(controller, settings, displayQueue, reporter.Messages(), m, logger)
		g.Go(func() error { return server.Run(ctx) })
		g.Go(func() error { return server.ListenAndServe(ctx, cfg.Display.Listen) })
	}
	if bridge != nil {
		g.Go(func() error { return bridge.ListenAndServe(ctx, cfg.Presentation.Listen) })
	}
	if sampler != nil {
		g.Go(func() error { return sampler.Run(ctx) })
	}
	if runner != nil {
		g.Go(func() error { return runner.Run(ctx) })
	}

	// connect right away, the GUI only has to start streaming
	controller.Signals().Connect.Raise()

	return g.Wait()
}
