package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shakram02/mcp-db-gateway/internal/config"
	"github.com/shakram02/mcp-db-gateway/internal/connmgr"
	"github.com/shakram02/mcp-db-gateway/internal/gateway"
	"github.com/shakram02/mcp-db-gateway/internal/janitor"
	"github.com/shakram02/mcp-db-gateway/internal/logging"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
	"github.com/shakram02/mcp-db-gateway/internal/requestlog"
	"github.com/shakram02/mcp-db-gateway/internal/schema"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type options struct {
	configPath    string
	testMode      bool
	listDatabases bool
	verbosity     int

	queryTimeout   time.Duration
	connectTimeout time.Duration
	maxRows        int
	maxBytes       int
	schemaTTL      time.Duration
}

// app is a fully wired gateway and the pieces main needs to drive it.
type app struct {
	settings   config.Settings
	configPath string
	reg        *registry.Registry
	conns      *connmgr.Manager
	schemas    *schema.Cache
	gw         *gateway.Gateway
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "mcp-db-gateway",
		Short: "Read-only MCP gateway to SQL databases",
		Long: `mcp-db-gateway serves the Model Context Protocol over stdio and gives clients
read-only access to the databases named in a YAML credential store.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	rootCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Credential store path (or set "+config.EnvConfigPath+")")
	rootCmd.Flags().BoolVar(&opts.testMode, "test", false, "Test connectivity to every configured database and exit")
	rootCmd.Flags().BoolVar(&opts.listDatabases, "list-databases", false, "List configured databases with their connectivity and exit")
	rootCmd.Flags().CountVarP(&opts.verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	// Overrides for the MCP_* environment settings
	rootCmd.Flags().DurationVar(&opts.queryTimeout, "query-timeout", 0, "Timeout for a single statement")
	rootCmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 0, "Timeout for opening a database connection")
	rootCmd.Flags().IntVar(&opts.maxRows, "max-rows", 0, "Maximum rows returned by a query")
	rootCmd.Flags().IntVar(&opts.maxBytes, "max-bytes", 0, "Maximum result size in bytes")
	rootCmd.Flags().DurationVar(&opts.schemaTTL, "schema-ttl", 0, "How long table schemas stay cached (0 keeps them)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mcp-db-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	return rootCmd
}

func run(cmd *cobra.Command, opts *options) error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	settings, err := config.SettingsFromEnv()
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, opts, &settings)

	// stdout carries the protocol, so logs never go there
	logging.Apply(logging.LevelFromVerbosity(opts.verbosity, settings.LogLevel), os.Stderr, settings.LogFile)

	a, err := newApp(opts.configPath, settings)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start")
		return err
	}
	defer a.conns.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.testMode:
		return testConnections(ctx, cmd.OutOrStdout(), a.gw)
	case opts.listDatabases:
		printDatabases(ctx, cmd.OutOrStdout(), a.reg, a.gw)
		return nil
	}
	return serve(ctx, a)
}

func applyFlagOverrides(cmd *cobra.Command, opts *options, s *config.Settings) {
	flags := cmd.Flags()
	if flags.Changed("query-timeout") {
		s.QueryTimeout = opts.queryTimeout
	}
	if flags.Changed("connect-timeout") {
		s.ConnectTimeout = opts.connectTimeout
	}
	if flags.Changed("max-rows") {
		s.MaxRows = opts.maxRows
	}
	if flags.Changed("max-bytes") {
		s.MaxBytes = opts.maxBytes
	}
	if flags.Changed("schema-ttl") {
		s.SchemaTTL = opts.schemaTTL
	}
}

// newApp loads the credential store and wires the gateway. A missing or
// invalid store is the only fatal startup condition.
func newApp(configPath string, settings config.Settings) (*app, error) {
	path, err := config.ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	reg, err := config.LoadCredentials(path)
	if err != nil {
		return nil, err
	}

	conns := connmgr.New(reg, connmgr.Config{ConnectTimeout: settings.ConnectTimeout})
	schemas := schema.New(conns, settings.SchemaTTL, settings.QueryTimeout)
	gw := gateway.New(reg, conns, schemas, requestlog.NewLogger(log.Logger), gateway.Limits{
		QueryTimeout: settings.QueryTimeout,
		MaxRows:      settings.MaxRows,
		MaxBytes:     settings.MaxBytes,
		RateLimit:    settings.RateLimit,
		RateBurst:    settings.RateBurst,
	})

	log.Info().
		Str("config", path).
		Int("databases", reg.Len()).
		Dur("query_timeout", settings.QueryTimeout).
		Int("max_rows", settings.MaxRows).
		Int("max_bytes", settings.MaxBytes).
		Dur("schema_ttl", settings.SchemaTTL).
		Msg("Credential store loaded")
	for _, entry := range reg.Summaries() {
		log.Debug().Str("database", entry.Name).Str("driver", entry.Driver).Str("host", entry.Host).Msg("Registered database")
	}

	return &app{
		settings:   settings,
		configPath: path,
		reg:        reg,
		conns:      conns,
		schemas:    schemas,
		gw:         gw,
	}, nil
}

func serve(ctx context.Context, a *app) error {
	j := janitor.New()
	if err := j.Add("schema-sweep", a.settings.MaintenanceSchedule, func() {
		if n := a.schemas.Sweep(); n > 0 {
			log.Debug().Int("removed", n).Msg("Expired schema entries swept")
		}
	}); err != nil {
		return err
	}
	if a.settings.IdleTimeout > 0 {
		if err := j.Add("idle-connections", a.settings.MaintenanceSchedule, func() {
			if closed := a.conns.CloseIdle(a.settings.IdleTimeout); len(closed) > 0 {
				log.Info().Strs("databases", closed).Msg("Closed idle connections")
			}
		}); err != nil {
			return err
		}
	}
	j.Start()
	defer j.Stop()
	logSchedule(j)

	// SIGHUP runs every maintenance task immediately
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				runMaintenance(j)
			}
		}
	}()

	if err := config.Watch(ctx, a.configPath, func(ev fsnotify.Event) {
		log.Warn().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("Credential store changed; restart the gateway to apply it")
	}); err != nil {
		log.Warn().Err(err).Msg("Credential store changes will not be detected")
	}

	server := NewMCPServer(ctx, a.gw, a.reg, os.Stdin, os.Stdout)
	defer server.Shutdown()

	log.Info().Str("version", version).Msg("MCP DB gateway started (read-only mode)")

	err := server.Run()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server error")
		return err
	}
	log.Info().Msg("Server shutdown gracefully")
	return nil
}

func logSchedule(j *janitor.Janitor) {
	for _, st := range j.Status() {
		log.Debug().Str("task", st.Name).Str("schedule", st.Schedule).Time("next", st.Next).Msg("Maintenance task scheduled")
	}
}

// runMaintenance runs every registered task once, outside its schedule, and
// returns the names that ran.
func runMaintenance(j *janitor.Janitor) []string {
	var ran []string
	for _, st := range j.Status() {
		if err := j.RunNow(st.Name); err != nil {
			log.Warn().Err(err).Str("task", st.Name).Msg("Maintenance task failed to run")
			continue
		}
		ran = append(ran, st.Name)
	}
	log.Info().Strs("tasks", ran).Msg("Maintenance run on request")
	return ran
}

// testConnections prints one line per database and fails if any is
// unreachable.
func testConnections(ctx context.Context, out io.Writer, gw *gateway.Gateway) error {
	statuses := gw.CheckConnections(ctx)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	failed := 0
	for _, st := range statuses {
		if st.OK {
			_, _ = fmt.Fprintf(tw, "ok\t%s\t%s\t%s\n", st.Name, st.Driver, st.Duration.Round(time.Millisecond))
			continue
		}
		failed++
		_, _ = fmt.Fprintf(tw, "FAILED\t%s\t%s\t%s\n", st.Name, st.Driver, st.Error)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(out, "%d/%d databases reachable\n", len(statuses)-failed, len(statuses))

	if failed > 0 {
		return fmt.Errorf("%d of %d databases unreachable", failed, len(statuses))
	}
	return nil
}

func printDatabases(ctx context.Context, out io.Writer, reg *registry.Registry, gw *gateway.Gateway) {
	reachable := make(map[string]gateway.ConnectionStatus)
	for _, st := range gw.CheckConnections(ctx) {
		reachable[st.Name] = st
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDRIVER\tHOST\tDATABASE\tSTATUS")
	for _, db := range reg.Summaries() {
		host := db.Host
		if db.Port != 0 {
			host = fmt.Sprintf("%s:%d", db.Host, db.Port)
		}
		if host == "" {
			host = "-"
		}
		status := "ok"
		if st := reachable[db.Name]; !st.OK {
			status = "unreachable"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", db.Name, db.Driver, host, db.Database, status)
	}
	_ = tw.Flush()
}
