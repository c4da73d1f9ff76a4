package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/haghost5/hag5bridge/api"
	"github.com/haghost5/hag5bridge/files"
	"github.com/haghost5/hag5bridge/hass"
	"github.com/haghost5/hag5bridge/history"
	"github.com/haghost5/hag5bridge/integration"
	"github.com/haghost5/hag5bridge/metrics"
	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

var (
	logLevel    string
	configPath  string
	printerIP   string
	feedPort    int
	startPrint  bool
	sendTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "hag5bridge",
	Short:        "Bridge HAGhost5 printers to Home Assistant",
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		setupLogging(logLevel)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream parsed readings of a printer to stdout",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var sendCmd = &cobra.Command{
	Use:   "send <gcode>...",
	Short: "Send commands to a printer over its status feed",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a gcode file to a printer",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	for _, cmd := range []*cobra.Command{watchCmd, sendCmd, uploadCmd} {
		cmd.Flags().StringVarP(&printerIP, "printer", "p", "", "Printer IP address")
		cmd.Flags().IntVar(&feedPort, "feed-port", printer.DefaultFeedPort, "Printer status feed port")
		_ = cmd.MarkFlagRequired("printer")
	}
	sendCmd.Flags().DurationVarP(&sendTimeout, "wait", "w", 2*time.Second, "How long to print responses after sending")
	uploadCmd.Flags().BoolVar(&startPrint, "print", false, "Start printing the file after the upload")

	rootCmd.AddCommand(serveCmd, watchCmd, sendCmd, uploadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		setupLogging(cfg.Log.Level)
	}

	log.Info("HAGhost5 bridge starting")
	log.Infof("Server: %s", cfg.ListenAddr())

	fm, err := files.NewManager(cfg.Files.GCodeDir)
	if err != nil {
		return fmt.Errorf("initializing file manager: %w", err)
	}
	log.Infof("GCode directory: %s", cfg.Files.GCodeDir)

	entries, err := registry.New(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("initializing config entries: %w", err)
	}

	var server *api.Server
	hist, err := history.NewManager(cfg.Data.Dir, func(action history.ChangedAction, job history.Job) {
		if server != nil {
			server.Hub().BroadcastHistoryChanged(string(action), job)
		}
	})
	if err != nil {
		return fmt.Errorf("initializing history: %w", err)
	}
	tracker := history.NewTracker(hist, jobMeta(fm))

	exporter := metrics.New()
	printers := integration.New(cfg.IntegrationSettings())
	printers.AddListener(integration.ListenerFuncs{
		Loaded: func(registry.Entry, []printer.Reading) {
			exporter.SetPrinters(len(printers.Printers()))
		},
		Changed: func(e registry.Entry, r printer.Reading) {
			exporter.Observe(e.IPAddress, r)
			tracker.Observe(e.IPAddress, r)
		},
		Unloaded: func(e registry.Entry) {
			exporter.Forget(e.IPAddress)
			tracker.Forget(e.IPAddress)
			exporter.SetPrinters(len(printers.Printers()))
		},
	})

	server = api.NewServer(api.Options{
		Addr:    cfg.ListenAddr(),
		WebDir:  cfg.Server.WebDir,
		Metrics: exporter.Handler(),
	}, entries, printers, fm, hist)

	if cfg.MQTT.Broker != "" {
		bridge := hass.Connect(cfg.HassOptions())
		printers.AddListener(bridge)
		defer bridge.Close()
	}

	for _, ip := range cfg.Printers {
		if _, err := entries.Create(ip); err != nil && !errors.Is(err, registry.ErrAlreadyConfigured) {
			log.Errorf("Adding printer %s from config: %v", ip, err)
		}
	}
	for _, e := range entries.List() {
		if _, err := printers.SetupEntry(e); err != nil {
			log.Errorf("Setting up printer %s: %v", e.IPAddress, err)
		}
	}
	if len(entries.List()) == 0 {
		log.Warn("No printers configured, add one with POST /api/haghost5/entries")
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			printers.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	printers.Close()
	return nil
}

// jobMeta looks up slicer metadata of stored files for print history.
func jobMeta(fm *files.Manager) history.MetaFunc {
	return func(filename string) (history.JobMeta, bool) {
		meta, err := fm.Metadata(filename)
		if err != nil {
			return history.JobMeta{}, false
		}
		return history.JobMeta{
			Size:          meta.Size,
			Modified:      meta.Modified,
			Slicer:        meta.Slicer,
			SlicerVersion: meta.SlicerVersion,
			EstimatedTime: meta.EstimatedTime,
			FilamentTotal: meta.FilamentTotal,
		}, true
	}
}

func runWatch(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	device := printer.NewDevice(printerIP, 30*time.Second, func(r printer.Reading) {
		state := r.State
		if state == nil {
			state = "unknown"
		}
		fmt.Printf("%s  %-18s %v\n", r.UpdatedAt.Format(time.TimeOnly), r.Key, state)
	})
	client := printer.NewClient(printerIP, device.HandleMessage, printer.WithFeedPort(feedPort))

	go printer.NewWatchdog(device, client, 0).Run(ctx)

	log.Infof("Watching %s", client.FeedURL())
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// connect runs a feed client until ctx is done and waits for its first
// connection.
func connect(ctx context.Context, handler printer.MessageHandler) (*printer.Client, error) {
	connected := make(chan struct{})
	var once sync.Once
	client := printer.NewClient(printerIP, handler,
		printer.WithFeedPort(feedPort),
		printer.WithConnStateHandler(func(up bool) {
			if up {
				once.Do(func() { close(connected) })
			}
		}),
	)
	go client.Run(ctx)

	select {
	case <-connected:
		return client, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("could not connect to %s", client.FeedURL())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runSend(_ *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	client, err := connect(ctx, func(msg string, _ time.Time) { fmt.Print(msg) })
	if err != nil {
		return err
	}

	for _, cmd := range args {
		if err := client.Send(cmd); err != nil {
			return fmt.Errorf("sending %s: %w", cmd, err)
		}
		log.Infof("Sent %s", cmd)
	}

	select {
	case <-time.After(sendTimeout):
	case <-ctx.Done():
	}
	return nil
}

func runUpload(_ *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	filename := files.BaseName(filepath.Base(args[0]))

	var client *printer.Client
	if startPrint {
		if client, err = connect(ctx, nil); err != nil {
			return err
		}
	} else {
		client = printer.NewClient(printerIP, nil, printer.WithFeedPort(feedPort))
	}

	if err := client.Upload(ctx, filename, data); err != nil {
		return err
	}
	fmt.Printf("File %s uploaded to printer %s.\n", filename, printerIP)

	if !startPrint {
		return nil
	}
	if err := client.StartPrint(ctx, filename); err != nil {
		return fmt.Errorf("starting print: %w", err)
	}
	fmt.Printf("Print of %s started.\n", filename)
	return nil
}
