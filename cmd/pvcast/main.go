// Command pvcast runs the weather ingestion and feature pipeline for a solar
// yield forecast: fetch forecasts, backfill history, derive the model-ready
// feature matrix and score past forecasts.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/helioforge/pvcast/pkg/pvcast/accuracy"
	"github.com/helioforge/pvcast/pkg/pvcast/config"
	"github.com/helioforge/pvcast/pkg/pvcast/features"
	"github.com/helioforge/pvcast/pkg/pvcast/hostrada"
	"github.com/helioforge/pvcast/pkg/pvcast/ingest"
	"github.com/helioforge/pvcast/pkg/pvcast/mosmix"
	"github.com/helioforge/pvcast/pkg/pvcast/openmeteo"
	"github.com/helioforge/pvcast/pkg/pvcast/readings"
	"github.com/helioforge/pvcast/pkg/pvcast/store"
	"github.com/helioforge/pvcast/pkg/pvcast/transport"
	"github.com/helioforge/pvcast/pkg/pvcast/weather"
)

const usage = `Usage: pvcast <command> [flags]

Commands:
  ingest-forecast   Fetch the configured forecast and persist it
  backfill          Fill gaps in stored history from the historical provider
  features          Export the feature matrix for a stored date range
  accuracy          Score stored forecast issues against ground truth
  import-readings   Import production CSV exports as ground truth
  daemon            Run periodic forecast ingestion with a metrics endpoint
`

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	// A .env next to the binary is a convenience for local runs; absence is
	// not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "ingest-forecast":
		err = runIngestForecast(ctx, args)
	case "backfill":
		err = runBackfill(ctx, args)
	case "features":
		err = runFeatures(ctx, args)
	case "accuracy":
		err = runAccuracy(ctx, args)
	case "import-readings":
		err = runImportReadings(ctx, args)
	case "daemon":
		err = runDaemon(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		klog.ErrorS(err, "Command failed", "command", cmd)
		klog.Flush()
		os.Exit(1)
	}
}

// env assembles the configured store, adapters and ingestion service.
type env struct {
	cfg        *config.Config
	store      *store.Store
	forecast   weather.ForecastSource
	historical weather.HistoricalSource
	gridded    *hostrada.Client
	service    *ingest.Service
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		klog.V(2).InfoS("Failed to close store", "error", err)
	}
}

func setup(configPath string) (*env, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}

	tcfg := transport.Config{
		Timeout:    cfg.Transport.Timeout,
		MaxRetries: cfg.Transport.MaxRetries,
		RetryDelay: cfg.Transport.RetryDelay,
		MaxDelay:   cfg.Transport.MaxDelay,
	}

	e := &env{cfg: cfg, store: st}

	switch cfg.Providers.Forecast {
	case "mosmix":
		e.forecast = mosmix.New(
			transport.New("mosmix", tcfg),
			mosmix.Config{
				StationID: cfg.Providers.MOSMIX.StationID,
				UseLarge:  cfg.Providers.MOSMIX.UseLarge,
				Latitude:  cfg.Asset.Latitude,
				Longitude: cfg.Asset.Longitude,
			})
	case "openmeteo":
		e.forecast = openmeteo.New(
			transport.New("openmeteo", tcfg),
			cfg.Asset.Latitude, cfg.Asset.Longitude)
	}

	switch cfg.Providers.Historical {
	case "hostrada":
		e.gridded = hostrada.New(
			transport.New("hostrada", tcfg),
			hostrada.Config{
				Latitude:          cfg.Asset.Latitude,
				Longitude:         cfg.Asset.Longitude,
				ConfirmAboveBytes: cfg.Providers.HOSTRADA.ConfirmAboveBytes,
			})
		e.historical = e.gridded
	case "openmeteo":
		e.historical = openmeteo.New(
			transport.New("openmeteo", tcfg),
			cfg.Asset.Latitude, cfg.Asset.Longitude)
	}

	e.service = ingest.New(e.forecast, e.historical, st)
	return e, nil
}

func runIngestForecast(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest-forecast", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $PVCAST_CONFIG)")
	horizon := fs.Int("horizon", 0, "forecast horizon in hours (default from config)")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	h := *horizon
	if h <= 0 {
		h = e.cfg.Ingest.ForecastHorizonHours
	}

	summary, err := e.service.IngestForecast(ctx, h)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

func runBackfill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $PVCAST_CONFIG)")
	startStr := fs.String("start", "", "range start, YYYY-MM-DD")
	endStr := fs.String("end", "", "range end (exclusive), YYYY-MM-DD")
	yes := fs.Bool("yes", false, "skip the large-download confirmation prompt")
	fs.Parse(args)

	start, end, err := parseRange(*startStr, *endStr)
	if err != nil {
		return err
	}

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.gridded != nil && e.gridded.NeedsConfirmation(start, end) {
		estimate := e.gridded.DryRunEstimate(start, end)
		if !*yes && !confirm(fmt.Sprintf(
			"This backfill downloads an estimated %.1f GB. Continue?",
			float64(estimate)/(1<<30))) {
			return fmt.Errorf("backfill aborted")
		}
	}

	summary, err := e.service.Backfill(ctx, start, end)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

func runFeatures(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("features", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $PVCAST_CONFIG)")
	startStr := fs.String("start", "", "range start, YYYY-MM-DD")
	endStr := fs.String("end", "", "range end (exclusive), YYYY-MM-DD")
	source := fs.String("source", "", "stored source to read (default: historical provider)")
	out := fs.String("out", "", "output CSV path (default: stdout)")
	fs.Parse(args)

	start, end, err := parseRange(*startStr, *endStr)
	if err != nil {
		return err
	}

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	src := *source
	if src == "" {
		src = e.cfg.Providers.Historical
	}

	records, err := e.store.WeatherRange(src, start, end)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no stored records for source %q in %s..%s", src, *startStr, *endStr)
	}

	asset := features.Asset{
		Latitude:  e.cfg.Asset.Latitude,
		Longitude: e.cfg.Asset.Longitude,
		PeakKWP:   e.cfg.Asset.PeakKWP,
		Installed: e.cfg.Asset.InstalledTime(),
	}
	matrix := features.Transform(records, asset)
	klog.InfoS("Computed feature matrix",
		"rows", len(matrix.Rows), "dropped", matrix.Dropped, "source", src)

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}
	return writeMatrixCSV(w, matrix)
}

func writeMatrixCSV(w *os.File, matrix features.Matrix) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := append([]string{"timestamp"}, features.Names()...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, r := range matrix.Rows {
		row[0] = strconv.FormatInt(r.Timestamp, 10)
		for i, v := range r.Vector() {
			row[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

func runAccuracy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("accuracy", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $PVCAST_CONFIG)")
	startStr := fs.String("start", "", "range start, YYYY-MM-DD")
	endStr := fs.String("end", "", "range end (exclusive), YYYY-MM-DD")
	truth := fs.String("truth", "", "ground-truth source (default: historical provider)")
	fs.Parse(args)

	start, end, err := parseRange(*startStr, *endStr)
	if err != nil {
		return err
	}

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	truthSource := *truth
	if truthSource == "" {
		truthSource = e.cfg.Providers.Historical
	}

	stats, err := accuracy.Report(e.store, truthSource, start, end)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("no forecast issues with matching ground truth in range")
		return nil
	}
	fmt.Printf("%-12s %-8s %8s %10s %10s %10s\n",
		"source", "horizon", "samples", "mae", "rmse", "bias")
	for _, s := range stats {
		fmt.Printf("%-12s %-8s %8d %10.1f %10.1f %+10.1f\n",
			s.Source, s.Bucket, s.Samples, s.MAE, s.RMSE, s.Bias)
	}
	return nil
}

func runImportReadings(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("import-readings", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $PVCAST_CONFIG)")
	timezone := fs.String("timezone", "Europe/Berlin", "timezone of the export timestamps")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("no CSV files given")
	}

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	importer, err := readings.NewImporter(e.store, *timezone)
	if err != nil {
		return err
	}

	var total readings.Summary
	for _, path := range fs.Args() {
		summary, err := importer.ImportFile(path)
		if err != nil {
			klog.ErrorS(err, "Import failed", "path", path)
			continue
		}
		total.Imported += summary.Imported
		total.Curtailed += summary.Curtailed
		total.Skipped += summary.Skipped
	}
	fmt.Printf("imported %d readings (%d curtailed, %d skipped)\n",
		total.Imported, total.Curtailed, total.Skipped)
	return nil
}

func runDaemon(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default $PVCAST_CONFIG)")
	listen := fs.String("listen", ":9090", "metrics listen address")
	fs.Parse(args)

	e, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		klog.InfoS("Serving metrics", "addr", *listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Metrics server failed")
		}
	}()

	scheduler := gocron.NewScheduler(time.UTC)
	_, err = scheduler.Every(e.cfg.Ingest.DaemonInterval).Do(func() {
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.Ingest.DaemonInterval)
		defer cancel()
		if _, err := e.service.IngestForecast(runCtx, e.cfg.Ingest.ForecastHorizonHours); err != nil {
			klog.ErrorS(err, "Scheduled ingestion failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule ingestion: %v", err)
	}
	scheduler.StartAsync()
	klog.InfoS("Daemon started", "interval", e.cfg.Ingest.DaemonInterval)

	<-ctx.Done()
	klog.InfoS("Shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("-start and -end are required")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -start: %v", err)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -end: %v", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("-start must precede -end")
	}
	return start, end, nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
