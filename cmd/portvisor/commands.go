package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/portvisor"
	"github.com/loykin/portvisor/internal/logger"
	"github.com/loykin/portvisor/pkg/client"
	"github.com/loykin/portvisor/pkg/template"
)

type streams struct {
	in       io.Reader
	out, err io.Writer
}

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type command struct {
	flags   *GlobalFlags
	streams *streams
}

// buildRoot creates the root command and its subcommands.
func buildRoot(s *streams) *cobra.Command {
	flags := &GlobalFlags{}
	c := command{flags: flags, streams: s}

	root := &cobra.Command{
		Use:   "portvisor",
		Short: "Lifecycle supervisor for a single service on a fixed port",
		Long: `Portvisor starts, stops, restarts and reports on one long-running
service bound to a fixed port. Truth is re-derived from the OS on every
invocation: whatever holds the port is reaped before a fresh launch.

Examples:
  portvisor start                 # worker-pool server in the background
  portvisor start --mode=dev      # auto-reloading server in the foreground
  portvisor status --json
  portvisor restart
  portvisor stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		c.startCommand(),
		c.stopCommand(),
		c.restartCommand(),
		c.statusCommand(),
		c.serveCommand(),
		initCommand(),
		versionCommand(),
	)
	return root
}

// open loads configuration, applies flag overrides and assembles the
// service. The returned cleanup closes the log file and flushes metrics.
func (c command) open() (*portvisor.Service, func(), error) {
	cfg, err := portvisor.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if c.flags.LogLevel != "" {
		cfg.Log.Level = c.flags.LogLevel
	}
	if c.flags.LogFormat != "" {
		cfg.Log.Format = logger.Format(c.flags.LogFormat)
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	log, logCloser, err := logger.New(cfg.Log, c.streams.err)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", portvisor.ErrInvalidConfig, err)
	}
	slog.SetDefault(log)

	svc, err := portvisor.Open(cfg, portvisor.Options{
		Logger: log,
		Stdin:  c.streams.in,
		Stdout: c.streams.out,
		Stderr: c.streams.err,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	log.Debug("invocation", slog.String("id", svc.Invocation()), slog.String("config", cfg.Log.String()))
	cleanup := func() {
		if err := svc.Close(); err != nil {
			log.Warn("close", slog.Any("error", err))
		}
		_ = logCloser.Close()
	}
	return svc, cleanup, nil
}

// modeFor resolves --mode against the configured default.
func modeFor(flag string, svc *portvisor.Service) (portvisor.Mode, error) {
	if flag == "" {
		flag = svc.Config().Service.Mode
	}
	return portvisor.ParseMode(flag)
}

// operationContext is cancelled by SIGINT/SIGTERM. Foreground launches
// handle those signals themselves by forwarding them to the child.
func operationContext(mode portvisor.Mode) (context.Context, context.CancelFunc) {
	if mode == portvisor.ModeDev {
		return context.WithCancel(context.Background())
	}
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c command) startCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the service unless it is already running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.launch(cmd, mode, func(ctx context.Context, svc *portvisor.Service, m portvisor.Mode) (portvisor.Result, error) {
				return svc.Start(ctx, m)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "launch mode: dev (foreground, reload) or prod (background worker pool)")
	return cmd
}

func (c command) restartCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop whatever holds the port, then start a fresh instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.launch(cmd, mode, func(ctx context.Context, svc *portvisor.Service, m portvisor.Mode) (portvisor.Result, error) {
				return svc.Restart(ctx, m)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "launch mode: dev (foreground, reload) or prod (background worker pool)")
	return cmd
}

type launchFunc func(ctx context.Context, svc *portvisor.Service, mode portvisor.Mode) (portvisor.Result, error)

func (c command) launch(cmd *cobra.Command, modeFlag string, op launchFunc) error {
	svc, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()
	mode, err := modeFor(modeFlag, svc)
	if err != nil {
		return fmt.Errorf("%w: %v", portvisor.ErrInvalidConfig, err)
	}
	ctx, cancel := operationContext(mode)
	defer cancel()

	res, err := op(ctx, svc, mode)
	if err != nil {
		return err
	}
	if mode == portvisor.ModeDev && !res.AlreadyRunning {
		// The foreground session already streamed to the terminal.
		return nil
	}
	cmd.Println(res.Line(svc.Config().Service.Port))
	return nil
}

func (c command) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Terminate every process holding the port and clear the pid file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cleanup, err := c.open()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := operationContext(portvisor.ModeProd)
			defer cancel()

			res, err := svc.Stop(ctx)
			if err != nil {
				return err
			}
			if len(res.Report.Denied) > 0 {
				cmd.PrintErrf("warning: not permitted to terminate %v\n", res.Report.Denied)
			}
			cmd.Println(res.Line(svc.Config().Service.Port))
			return nil
		},
	}
}

func (c command) statusCommand() *cobra.Command {
	var (
		asJSON   bool
		remote   string
		caCert   string
		insecure bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the service is running, stopped or orphaned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remote != "" {
				return remoteStatus(cmd, remote, caCert, insecure, asJSON)
			}
			svc, cleanup, err := c.open()
			if err != nil {
				return err
			}
			defer cleanup()

			st := svc.Status(cmd.Context())
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			cmd.Println(st.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full status as JSON")
	cmd.Flags().StringVar(&remote, "remote", "", "query a `portvisor serve` endpoint at this base URL instead of the local host")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "CA certificate for an https --remote")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS verification for --remote")
	return cmd
}

func remoteStatus(cmd *cobra.Command, baseURL, caCert string, insecure, asJSON bool) error {
	cfg := client.Config{BaseURL: baseURL, Insecure: insecure}
	if caCert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: caCert}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return err
	}
	st, err := cl.Status(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}
	cmd.Println(st.String())
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c command) serveCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only status, health and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cleanup, err := c.open()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return svc.Serve(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from server.listen)")
	return cmd
}

func initCommand() *cobra.Command {
	var (
		kind  string
		name  string
		port  int
		force bool
	)
	g := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config file (format from the extension)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "portvisor.toml"
			if len(args) == 1 {
				path = args[0]
			}
			tmpl, err := g.Generate(template.Kind(kind), name, port)
			if err != nil {
				return fmt.Errorf("%w: %v", portvisor.ErrInvalidConfig, err)
			}
			if err := g.Write(tmpl, path, force); err != nil {
				return err
			}
			cmd.Println("wrote " + path)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(template.KindFlask), "framework: "+strings.Join(g.SupportedKinds(), ", "))
	cmd.Flags().StringVar(&name, "name", "monitor", "service name")
	cmd.Flags().IntVar(&port, "port", 0, "service port (default per framework)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("portvisor " + version)
		},
	}
}
