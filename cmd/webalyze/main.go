// main.go - command line entry point of webalyze
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"webalyze/internal"
	"webalyze/internal/config"
	"webalyze/internal/report"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&ProcessCommand{},
	&PrepReportCommand{},
	&EndMonthCommand{},
	&CompactCommand{},
	&DBInfoCommand{},
	&StatusCommand{},
	&GeoIPUpdateCommand{},
	&HelpCommand{},
}

// configFlags maps command line flags to configuration keys. Only flags
// given explicitly override the environment and the defaults.
var configFlags = map[string]string{
	"db":               "dbpath",
	"history":          "historypath",
	"geodb":            "geodbpath",
	"rules":            "rulesfile",
	"tz":               "timezone",
	"loglevel":         "loglevel",
	"incremental":      "incremental",
	"batch":            "batch",
	"lastlog":          "lastlog",
	"memory":           "memorymode",
	"dns":              "dnsenabled",
	"visit-timeout":    "visittimeoutseconds",
	"download-timeout": "downloadtimeoutseconds",
	"cache-budget":     "cachebudget",
	"sequence-cache":   "sequencecachesize",
	"trickle-rate":     "tricklerate",
	"status-addr":      "statusaddr",
}

var (
	reportFormat = flag.String("format", string(report.Text), "report output format: text or json")
	rawOutput    = flag.Bool("raw", false, "print exact numbers even on a terminal")
	serveStatus  = flag.Bool("serve", false, "serve /metrics while processing")
)

func init() {
	flag.String("db", "", "store directory")
	flag.String("history", "", "monthly history database")
	flag.String("geodb", "", "GeoIP city database")
	flag.String("rules", "", "YAML rules file")
	flag.String("tz", "", "time zone of the reports")
	flag.String("loglevel", "", "debug, info, warn or error")
	flag.Bool("incremental", false, "keep open visits for the next run")
	flag.Bool("batch", false, "defer reporting to prep-report")
	flag.Bool("lastlog", false, "this is the last log of the month")
	flag.Bool("memory", false, "keep every entity in memory")
	flag.Bool("dns", false, "resolve host names")
	flag.Int("visit-timeout", 0, "visit timeout in seconds")
	flag.Int("download-timeout", 0, "download timeout in seconds")
	flag.Int("cache-budget", 0, "resident entities per table after swap-out")
	flag.Int("sequence-cache", 0, "IDs leased per sequence round trip")
	flag.Float64("trickle-rate", 0, "background flushes per second, 0 disables")
	flag.String("status-addr", "", "listen address of the status endpoint")
}

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	// Parse global flags
	flag.Usage = showUsage
	flag.Parse()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Set up context with cancellation for cleanup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals in a separate goroutine
	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, stopping...", sig)
		cancel()
	}()

	// Parse command and arguments
	cmdName, args := parseArgs()

	// Find the requested command
	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsage()
		os.Exit(1)
	}
	if _, ok := cmd.(*HelpCommand); ok {
		_ = cmd.Execute(ctx, nil, args)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	app, err := internal.NewAppWithConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	err = cmd.Execute(ctx, app, args)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancelShutdown()
	if serr := app.Shutdown(shutdownCtx); serr != nil {
		log.Printf("Warning: Cleanup error: %v", serr)
	}

	if errors.Is(err, context.Canceled) {
		log.Printf("Command %s interrupted", cmd.Name())
		os.Exit(130)
	}
	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	log.Printf("Command %s completed successfully", cmd.Name())
}

// loadConfig builds the configuration from defaults, the environment and
// the flags given on the command line, in increasing precedence.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	flag.Visit(func(f *flag.Flag) {
		if key, ok := configFlags[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
	return config.Load(v)
}

// humanOutput reports whether numbers should be printed for people.
func humanOutput() bool {
	return !*rawOutput && term.IsTerminal(int(os.Stdout.Fd()))
}

func newReporter() (*report.Writer, error) {
	format, err := report.ParseFormat(*reportFormat)
	if err != nil {
		return nil, err
	}
	return &report.Writer{Out: os.Stdout, Format: format, Human: format == report.Text && humanOutput()}, nil
}

// Helper functions

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func showUsage() {
	fmt.Println("Usage: webalyze [flags] [command] [args...]")
	fmt.Println("Available commands:")
	for _, cmd := range commands {
		fmt.Printf("  %s: %s\n", cmd.Name(), cmd.Description())
	}

	fmt.Println("Configuration flags:")
	names := make([]string, 0, len(configFlags))
	for name := range configFlags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := flag.Lookup(name)
		fmt.Printf("  -%s: %s\n", f.Name, f.Usage)
	}
	fmt.Println("Output flags:")
	for _, name := range []string{"format", "raw", "serve"} {
		f := flag.Lookup(name)
		fmt.Printf("  -%s: %s\n", f.Name, f.Usage)
	}
}
