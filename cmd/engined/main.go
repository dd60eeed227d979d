package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"engined/internal/common/fsutil"
	"engined/internal/config"
	"engined/internal/httpapi"
	"engined/internal/manager"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath  string
	addr        string
	logLevel    string
	logFormat   string
	corsOrigins string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "engined:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "engined",
		Short:         "Engine registry and process orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", os.Getenv(config.EnvConfig), "config file (yaml, json or toml)")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: console|json")

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API and supervise configured engines",
		Example: "  engined serve --config ~/.engined/engined.yaml\n  ENGINED_ADDR=:9090 engined serve --log-format json",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	serve.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	serve.Flags().StringVar(&f.corsOrigins, "cors-origins", "", "comma separated origins allowed by CORS")

	engines := &cobra.Command{
		Use:     "engines",
		Short:   "List configured engines",
		Example: "  engined engines --config engined.toml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(f)
			if err != nil {
				return err
			}
			return printEngines(cmd, cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
	}})

	root.AddCommand(serve, engines, versionCmd, completionCmd)
	return root
}

// resolveConfig loads the config file and lets flags win over it.
func resolveConfig(f *rootFlags) (config.Config, error) {
	if f.addr != "" {
		os.Setenv(config.EnvAddr, f.addr)
	}
	cfg, err := config.Resolve(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	if origins := splitCSV(f.corsOrigins); len(origins) > 0 {
		cfg.CORS.AllowedOrigins = origins
	}
	return cfg, nil
}

func runServe(ctx context.Context, f *rootFlags) error {
	cfg, err := resolveConfig(f)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	if _, err := fsutil.EnsureDir(cfg.DataFolderPath); err != nil {
		return fmt.Errorf("data folder: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcfg, err := manager.FromConfig(cfg, version, log)
	if err != nil {
		return err
	}
	mcfg.Publisher = eventLogger{log: log.With().Str("component", "events").Logger()}
	mgr, err := manager.NewWithConfig(ctx, mcfg)
	if err != nil {
		return err
	}

	// Canceled when shutdown starts so streams stop with the listener.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewMux(mgr, httpapi.Options{
			Logger:         log,
			BaseContext:    base,
			LogLevel:       httpapi.ParseLogLevel(cfg.LogLevel),
			AllowedOrigins: cfg.CORS.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancelBase)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Strs("engines", mgr.Providers()).Msg("engined listening")
		errc <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	if err := mgr.Close(sctx); err != nil {
		log.Error().Err(err).Msg("close manager")
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}

func printEngines(cmd *cobra.Command, cfg config.Config) error {
	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tKIND\tTARGET")
	for _, d := range descs {
		target := ""
		switch {
		case d.Local != nil:
			target = fmt.Sprintf("%s (%s:%d)", d.Local.ExecutablePath, d.Local.Host, d.Local.Port)
		case d.Remote != nil:
			target = d.Remote.APIBaseURL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Provider, d.Kind, target)
	}
	return tw.Flush()
}

// splitCSV splits a comma separated flag value, dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
