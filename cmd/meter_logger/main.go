// Meter logger reads metering devices on an adaptive schedule and stores
// the samples. Every device config file gets its own poll loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/device"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/errlog"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/liveapi"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/logging"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/metrics"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/pathing"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/scheduler"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/sink"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/trigger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meter_logger: %v\n", err)
		os.Exit(1)
	}
}

// deviceLoop is everything owned by one device. Nothing in it is shared.
type deviceLoop struct {
	name   string
	sched  *scheduler.Scheduler
	runner *scheduler.Runner
	meter  device.Meter
	sink   sink.Sink
}

func (d *deviceLoop) close(log *slog.Logger) {
	if err := d.meter.Close(); err != nil {
		log.Warn("closing device failed", "device", d.name, "error", err)
	}
	if err := d.sink.Close(); err != nil {
		log.Warn("closing sink failed", "device", d.name, "error", err)
	}
}

func run() (err error) {
	// Replaced by the configured location once the config is loaded
	recorder := errlog.New(pathing.GetErrorLogPath())
	recorded := false
	defer func() {
		if err == nil || recorded {
			return
		}
		if recErr := recorder.Record("run", err, nil); recErr != nil {
			fmt.Fprintf(os.Stderr, "meter_logger: error log unavailable: %v\n", recErr)
		}
	}()

	// Directories are created explicitly before anything reads from them
	if err := pathing.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	appCfg, err := config.LoadAppConfig(pathing.GetAppConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(appCfg.LogLevel)
	if err != nil {
		return err
	}
	root := logging.New(os.Stdout, level, appCfg.LogJSON)
	recorder = errlog.New(appCfg.ErrorLogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Caught from here on, a burst request during device setup is kept for later.
	burstSignals, stopBurstSignals := trigger.Subscribe()
	defer stopBurstSignals()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deviceMetrics := metrics.New(reg)
	hub := liveapi.NewHub(logging.Component(root, "liveapi"))

	paths, err := config.DiscoverDeviceConfigs(appCfg.DeviceConfigDir)
	if err != nil {
		return fmt.Errorf("discover device configs: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no device configs found in %s", appCfg.DeviceConfigDir)
	}

	var (
		loops     []*deviceLoop
		generated int
	)
	for _, path := range paths {
		loop, err := setupDevice(ctx, path, root, deviceMetrics, hub)
		switch {
		case errors.Is(err, config.ErrCycleIntervalsGenerated):
			generated++
			root.Info("cycle intervals written, review them and restart", "config", path)
			continue
		case err != nil:
			root.Error("device not started", "config", path, "error", err)
			if recErr := recorder.Record("setup "+path, err, nil); recErr != nil {
				root.Warn("error log unavailable", "path", recorder.Path(), "error", recErr)
			}
			continue
		}
		if slices.ContainsFunc(loops, func(l *deviceLoop) bool { return l.name == loop.name }) {
			root.Error("device not started, name already in use", "config", path, "device", loop.name)
			loop.close(root)
			continue
		}
		loops = append(loops, loop)
	}
	defer func() {
		for _, loop := range loops {
			loop.close(root)
		}
	}()

	if len(loops) == 0 {
		if generated > 0 {
			return nil
		}
		return errors.New("no device could be started")
	}

	burstTargets := make(map[string]liveapi.BurstTarget, len(loops))
	signalTargets := make([]trigger.BurstTarget, 0, len(loops))
	for _, loop := range loops {
		burstTargets[loop.name] = loop.sched
		signalTargets = append(signalTargets, loop.sched)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error {
			return recorder.Guard("device "+loop.name, func() error {
				return loop.runner.Run(gctx)
			})
		})
	}

	go trigger.Forward(gctx, burstSignals, signalTargets, logging.Component(root, "trigger"))

	// The live API is auxiliary, its failure does not stop the device loops.
	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	apiDone := make(chan error, 1)
	if appCfg.ListenAddress != "" {
		srv := liveapi.NewServer(hub, burstTargets, reg, logging.Component(root, "liveapi"))
		go func() { apiDone <- srv.ListenAndServe(apiCtx, appCfg.ListenAddress) }()
	} else {
		apiDone <- nil
	}

	root.Info("meter logger running",
		"devices", slices.Sorted(maps.Keys(burstTargets)),
		"listen_address", appCfg.ListenAddress,
	)

	err = g.Wait()
	stopAPI()
	if apiErr := <-apiDone; apiErr != nil {
		root.Error("live api stopped", "error", apiErr)
	}
	if err != nil {
		// already in the error log through Guard
		recorded = true
		return err
	}

	root.Info("meter logger stopped")
	return nil
}

// setupDevice builds the poll loop of one device config file.
func setupDevice(ctx context.Context, path string, root *slog.Logger, m *metrics.Metrics, hub *liveapi.Hub) (*deviceLoop, error) {
	cfg, err := config.LoadDeviceConfig(path)
	if err != nil {
		return nil, err
	}
	name := cfg.Device.Name
	log := logging.Device(root, name)

	// First start: write the default cycle table and let the user review it
	if !cfg.HasCycleIntervals() {
		keys, err := device.InputKeys(cfg.Device.Model)
		if err != nil {
			return nil, err
		}
		return nil, config.WriteCycleIntervals(path, keys)
	}

	cycles, err := cfg.RegisterCycles()
	if err != nil {
		return nil, err
	}
	table, err := scheduler.NewRegisterTable(cycles)
	if err != nil {
		return nil, err
	}

	meas := cfg.Measurement
	sched, err := scheduler.New(scheduler.Config{
		Normal:        scheduler.Intervals{Poll: meas.Poll(), Send: meas.Send()},
		Burst:         scheduler.Intervals{Poll: meas.BurstPoll(), Send: meas.BurstSend()},
		BurstDuration: meas.Burst(),
		MaxBuffered:   meas.MaxBufferedSamples,
		Observer:      m.Device(name),
	}, table)
	if err != nil {
		return nil, err
	}

	meter, err := device.Open(cfg, log)
	if err != nil {
		return nil, err
	}

	// Every configured register, disabled ones included, is a column of the sink.
	registers := slices.Sorted(maps.Keys(cfg.CycleIntervals))
	out, err := sink.Open(ctx, cfg.Db, name, registers, log)
	if err != nil {
		meter.Close()
		return nil, err
	}

	runner, err := scheduler.NewRunner(scheduler.RunnerConfig{
		Device:        name,
		BaseTick:      meas.Tick(),
		MaxIterations: meas.MaxIterations,
	}, sched, meter, out, log)
	if err != nil {
		meter.Close()
		out.Close()
		return nil, err
	}
	runner.SetPublisher(hub)

	return &deviceLoop{
		name:   name,
		sched:  sched,
		runner: runner,
		meter:  meter,
		sink:   out,
	}, nil
}
