package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"webalyze/internal"
	"webalyze/internal/engine"
	"webalyze/internal/jobs"
	"webalyze/internal/logfile"
	"webalyze/internal/merge"
	"webalyze/internal/status"
	"webalyze/internal/store"
)

// ProcessCommand aggregates log files into the store
type ProcessCommand struct{}

func (c *ProcessCommand) Name() string { return "process" }
func (c *ProcessCommand) Description() string {
	return "Aggregates log files (plain or .gz) into the current month"
}

func (c *ProcessCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s <log file>...", c.Name())
	}
	reporter, err := newReporter()
	if err != nil {
		return err
	}

	if *serveStatus {
		srv := status.New(app.Metrics, nil, app.Logger)
		go func() {
			if err := srv.Listen(app.Config.StatusAddr); err != nil {
				app.Logger.Error("Status endpoint failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	e, err := app.OpenEngine(ctx, engine.ModeProcess, reporter)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Printf("Warning: failed to close store: %v", err)
		}
	}()

	sources := make([]merge.Source, 0, len(args))
	for _, path := range args {
		sources = append(sources, logfile.NewFile(path, app.Logger))
	}

	log.Printf("Processing %d log file(s) into %s", len(sources), app.Config.DBPath)
	stats, err := e.Process(ctx, sources)
	if stats.Canceled {
		if serr := app.StopResolver(true); serr != nil {
			log.Printf("Warning: resolver did not stop cleanly: %v", serr)
		}
	}
	log.Printf("%d/%d file(s) read: %s records, %s good, %s skipped, %s ignored in %s",
		stats.Finished, len(sources),
		humanize.Comma(int64(stats.Records)),
		humanize.Comma(int64(stats.Good)),
		humanize.Comma(int64(stats.Skipped)),
		humanize.Comma(int64(stats.Ignored)),
		stats.Elapsed.Round(time.Millisecond))
	return err
}

// PrepReportCommand prints the summary of the stored month
type PrepReportCommand struct{}

func (c *PrepReportCommand) Name() string        { return "prep-report" }
func (c *PrepReportCommand) Description() string { return "Prints the top-N summary of the stored month" }

func (c *PrepReportCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	reporter, err := newReporter()
	if err != nil {
		return err
	}
	e, err := app.OpenEngine(ctx, engine.ModePrepReport, reporter)
	if err != nil {
		return err
	}
	defer e.Close()

	_, err = e.PrepReport(ctx)
	return err
}

// EndMonthCommand closes the stored month
type EndMonthCommand struct{}

func (c *EndMonthCommand) Name() string { return "end-month" }
func (c *EndMonthCommand) Description() string {
	return "Closes open visits, reports and archives the stored month"
}

func (c *EndMonthCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	reporter, err := newReporter()
	if err != nil {
		return err
	}
	e, err := app.OpenEngine(ctx, engine.ModeEndMonth, reporter)
	if err != nil {
		return err
	}
	defer e.Close()

	return e.EndMonth(ctx)
}

// CompactCommand reclaims store space
type CompactCommand struct{}

func (c *CompactCommand) Name() string        { return "compact" }
func (c *CompactCommand) Description() string { return "Reclaims unused space in the store" }

func (c *CompactCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	e, err := app.OpenEngine(ctx, engine.ModeCompact, nil)
	if err != nil {
		return err
	}
	defer e.Close()

	freed, err := e.Compact()
	if errors.Is(err, store.ErrUnsupported) {
		log.Println("Compaction is not supported by this store")
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("Reclaimed %s", humanize.Bytes(uint64(max(freed, 0))))
	return nil
}

// DBInfoCommand describes the store
type DBInfoCommand struct{}

func (c *DBInfoCommand) Name() string        { return "db-info" }
func (c *DBInfoCommand) Description() string { return "Shows versions, cursor and sizes of the store" }

func (c *DBInfoCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	info, err := readInfo(ctx, app)
	if err != nil {
		return err
	}

	human := humanOutput()
	num := func(n uint64) string {
		if human {
			return humanize.Comma(int64(n))
		}
		return fmt.Sprint(n)
	}
	size := func(n int64) string {
		if human {
			return humanize.Bytes(uint64(max(n, 0)))
		}
		return fmt.Sprint(n)
	}
	when := func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		if human {
			return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
		}
		return t.Format(time.RFC3339)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Store\t%s\n", info.Path)
	fmt.Fprintf(w, "Created by\t%s\n", info.AppVersion)
	fmt.Fprintf(w, "Last written by\t%s\n", info.AppVersionLast)
	fmt.Fprintf(w, "Created\t%s\n", when(info.Created))
	fmt.Fprintf(w, "Time zone\t%s\n", info.TimeZone)
	fmt.Fprintf(w, "Incremental\t%t\n", info.Incremental)
	fmt.Fprintf(w, "Batch\t%t\n", info.Batch)
	fmt.Fprintf(w, "Cursor\t%s\n", when(info.Cursor))
	fmt.Fprintf(w, "Days\t%d-%d\n", info.FirstDay, info.LastDay)
	fmt.Fprintf(w, "Hits\t%s\n", num(info.Hits))
	fmt.Fprintf(w, "Visits\t%s\n", num(info.Visits))
	fmt.Fprintf(w, "Hosts\t%s\n", num(info.Hosts))
	fmt.Fprintf(w, "Active visits\t%s\n", num(info.ActiveVisits))
	fmt.Fprintf(w, "Active downloads\t%s\n", num(info.ActiveDownloads))
	fmt.Fprintf(w, "LSM size\t%s\n", size(info.LSMSize))
	fmt.Fprintf(w, "Value log size\t%s\n", size(info.VlogSize))
	fmt.Fprintf(w, "Disk size\t%s\n", size(info.DiskSize))
	return w.Flush()
}

// readInfo opens the store read-only long enough to describe it.
func readInfo(ctx context.Context, app *internal.Application) (engine.Info, error) {
	e, err := app.OpenEngine(ctx, engine.ModeInfo, nil)
	if err != nil {
		return engine.Info{}, err
	}
	defer e.Close()
	return e.Info()
}

// StatusCommand serves the status endpoints
type StatusCommand struct{}

func (c *StatusCommand) Name() string { return "status" }
func (c *StatusCommand) Description() string {
	return "Serves /metrics, /status and /_health until interrupted"
}

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	// The store takes a directory lock, so requests open it one at a time.
	var mu sync.Mutex
	srv := status.New(app.Metrics, func(ctx context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		info, err := readInfo(ctx, app)
		if err != nil {
			return nil, err
		}
		months, err := app.History.Recent(12)
		if err != nil {
			return nil, err
		}
		return map[string]any{"store": info, "history": months}, nil
	}, app.Logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(app.Config.StatusAddr) }()
	log.Printf("Serving status on %s", app.Config.StatusAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// GeoIPUpdateCommand downloads the GeoLite2-City database
type GeoIPUpdateCommand struct{}

func (c *GeoIPUpdateCommand) Name() string { return "geoip-update" }
func (c *GeoIPUpdateCommand) Description() string {
	return "Downloads the GeoLite2-City database when it is older than a week"
}

func (c *GeoIPUpdateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	force := fs.Bool("force", false, "download even if the database is recent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	u := &jobs.GeoLiteUpdater{
		Path:       app.Config.GeoDBPath,
		LicenseKey: app.Config.MaxMindLicenseKey,
		Client:     &http.Client{Timeout: 5 * time.Minute},
		Logger:     app.Logger,
	}
	updated, err := u.Run(ctx, *force)
	if errors.Is(err, jobs.ErrNoLicenseKey) {
		return fmt.Errorf("%w, set WEBALYZE_MAXMIND_LICENSE_KEY", err)
	}
	if err != nil {
		return err
	}
	if updated {
		log.Printf("GeoLite database written to %s", app.Config.GeoDBPath)
	} else {
		log.Printf("GeoLite database at %s is up to date", app.Config.GeoDBPath)
	}
	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	showUsage()
	return nil
}
