package main

import (
	"context"
	"image"
	"os"
	"os/signal"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/intrusion-warning/alert"
	"github.com/nvr-ai/intrusion-warning/api"
	"github.com/nvr-ai/intrusion-warning/chat"
	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/controller"
	"github.com/nvr-ai/intrusion-warning/detector"
	"github.com/nvr-ai/intrusion-warning/dispatch"
	"github.com/nvr-ai/intrusion-warning/metrics"
	"github.com/nvr-ai/intrusion-warning/monitor"
	"github.com/nvr-ai/intrusion-warning/region"
	"github.com/nvr-ai/intrusion-warning/service"
	"github.com/nvr-ai/intrusion-warning/snapshot"
	"github.com/nvr-ai/intrusion-warning/storage"
	"github.com/nvr-ai/intrusion-warning/telemetry"
	"github.com/nvr-ai/intrusion-warning/util"
)

var version = "<not set>"

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"path to configuration file"`
	Video      string `arg:"--video" help:"read frames from a video file instead of the camera"`
	Images     string `arg:"--images" help:"replay the images of a directory"`
	Device     int    `arg:"-d,--device" help:"camera device index"`
	Headless   bool   `arg:"--headless" help:"do not open a window"`
	LogLevel   string `arg:"-l,--log-level" help:"override the configured log level"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	args := Args{Device: -1}
	arg.MustParse(&args)
	return args
}

func main() {
	if err := runMain(); err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	args := procArgs()

	conf, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}
	applyArgs(args, conf)
	if err := conf.Validate(); err != nil {
		return err
	}
	if err := setupLogging(conf.Log); err != nil {
		return err
	}
	log.WithField("version", version).Info("starting intrusion warning")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tc *telemetry.Client
	if conf.Telemetry.Enabled {
		tc = telemetry.New(conf.Telemetry, telemetry.WithControlHandler(func(c telemetry.Control) {
			log.WithField("control", c).Info("control message received")
		}))
		if err := tc.Connect(ctx); err != nil {
			if conf.Telemetry.Required {
				return err
			}
			log.WithError(err).Warn("continuing without telemetry, retrying in the background")
		}
		defer tc.Close()
	}

	var connected func() bool
	if tc != nil {
		connected = tc.Connected
	}
	m := metrics.New(connected)

	sinks, drive, err := buildSinks(conf, tc)
	if err != nil {
		return err
	}

	d, err := detector.New(conf.Detector, image.Pt(conf.Camera.Width, conf.Camera.Height))
	if err != nil {
		return err
	}
	defer d.Close()

	tracker := region.New()
	if polygon := conf.Region.Polygon(); len(polygon) > 0 {
		if err := presetRegion(tracker, polygon); err != nil {
			return err
		}
		log.WithField("points", polygon).Info("region preset from configuration")
	}

	pool := dispatch.New(conf.Dispatch, m)
	m.WatchQueue(pool.Pending)
	pipeline := controller.NewPipeline(
		d,
		tracker,
		alert.New(conf.Alert, util.RealClock{}),
		controller.Thresholds{Confidence: conf.Detector.Confidence, NMS: conf.Detector.NMS},
		sinks,
		pool,
		m,
	)

	source, err := monitor.OpenSource(conf.Camera)
	if err != nil {
		return err
	}

	mon := monitor.New(conf.Camera, monitor.Options{
		Source:    source,
		Pipeline:  pipeline,
		Schedule:  conf.Schedule.Window(),
		Connected: connected,
		Metrics:   m,
		Heartbeat: func() {
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		},
	})

	if conf.DBus.Enabled {
		conn, err := service.Start(mon, conf.DBus.Session)
		if err != nil {
			log.WithError(err).Warn("d-bus service unavailable")
		} else {
			defer conn.Close()
		}
	}

	if conf.HTTP.Address != "" {
		var images api.ImageLister
		if drive != nil {
			images = drive
		}
		srv := api.NewServer(mon, images, m.Handler(), util.RealClock{})
		go func() {
			if err := srv.ListenAndServe(ctx, conf.HTTP.Address); err != nil {
				log.WithError(err).Error("http server stopped")
			}
		}()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify ready")
	}

	runErr := mon.Run(ctx)

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop()
	log.Info("waiting for pending alerts")
	if err := pool.Shutdown(conf.Dispatch.JobTimeout); err != nil {
		log.WithError(err).Warn("dispatcher shutdown")
	}
	log.Info("application terminated")
	return runErr
}

// applyArgs lets the command line override the configuration file.
func applyArgs(args Args, conf *config.Config) {
	if args.Video != "" {
		conf.Camera.Video = args.Video
	}
	if args.Images != "" {
		conf.Camera.Images = args.Images
	}
	if args.Device >= 0 {
		conf.Camera.Device = args.Device
	}
	if args.Headless {
		conf.Camera.ShowWindow = false
	}
	if args.LogLevel != "" {
		conf.Log.Level = args.LogLevel
	}
}

func setupLogging(conf config.LogConfig) error {
	level, err := log.ParseLevel(conf.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log.SetLevel(level)
	if conf.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// buildSinks creates the enabled side-effect targets. Disabled sinks stay nil
// so the pipeline skips their jobs. The Drive client is not bound to the
// signal context, so queued uploads can still refresh tokens while the
// dispatcher drains.
func buildSinks(conf *config.Config, tc *telemetry.Client) (controller.Sinks, *storage.Drive, error) {
	var sinks controller.Sinks
	if tc != nil {
		sinks.Publisher = tc
	}

	writer, err := snapshot.NewWriter(conf.Snapshot)
	if err != nil {
		return sinks, nil, err
	}
	sinks.Snapshots = writer

	var drive *storage.Drive
	if conf.Storage.Enabled {
		drive, err = storage.New(context.Background(), conf.Storage)
		if err != nil {
			return sinks, nil, err
		}
		sinks.Uploader = drive
	}

	if conf.Chat.Enabled {
		notifier, err := chat.New(conf.Chat, util.RealClock{})
		if err != nil {
			return sinks, nil, err
		}
		sinks.Notifier = notifier
	}

	return sinks, drive, nil
}

func presetRegion(tracker *region.Tracker, polygon []image.Point) error {
	for _, p := range polygon {
		if err := tracker.AddPoint(p); err != nil {
			return err
		}
	}
	return tracker.Finalize()
}
