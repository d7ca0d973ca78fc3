package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/danmuck/bioipc/internal/biometrics"
	"github.com/danmuck/bioipc/internal/logging"
	"github.com/danmuck/bioipc/internal/observability"
	"github.com/danmuck/bioipc/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// errReported marks failures already explained on stderr.
var errReported = errors.New("bioctl: failed")

type app struct {
	cfg     cliConfig
	cfgPath string
	stdout  io.Writer
	stderr  io.Writer
	getenv  func(string) string
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: defaultCLIConfig(), stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv}
	err := a.rootCmd().ExecuteContext(ctx)
	a.writeMetrics()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "bioctl: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bioctl",
		Short:         "Biometric unlock through the Bitwarden desktop app",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgPath, "config", "", "config file (default $XDG_CONFIG_HOME/bioctl/config.toml)")
	f.StringVar(&a.cfg.Endpoint, "endpoint", a.cfg.Endpoint, "desktop app socket path or pipe name (default: platform endpoint)")
	f.StringVar(&a.cfg.AppID, "app-id", a.cfg.AppID, "app id presented to the desktop app (default: persisted id)")
	f.StringVar(&a.cfg.AppIDFile, "app-id-file", a.cfg.AppIDFile, "file holding the persisted app id")
	f.StringVar(&a.cfg.UserID, "user", a.cfg.UserID, "user id of the locally active account")
	f.DurationVar(&a.cfg.ConnectTimeout, "connect-timeout", a.cfg.ConnectTimeout, "connect timeout")
	f.DurationVar(&a.cfg.HandshakeTimeout, "handshake-timeout", a.cfg.HandshakeTimeout, "secure channel handshake timeout")
	f.DurationVar(&a.cfg.CallTimeout, "call-timeout", a.cfg.CallTimeout, "default call timeout")
	f.DurationVar(&a.cfg.StatusTimeout, "status-timeout", a.cfg.StatusTimeout, "status query timeout")
	f.DurationVar(&a.cfg.InteractionTimeout, "interaction-timeout", a.cfg.InteractionTimeout, "unlock/authenticate timeout")
	f.DurationVar(&a.cfg.FreshnessWindow, "freshness-window", a.cfg.FreshnessWindow, "maximum reply clock skew")
	f.IntVar(&a.cfg.MaxConnectAttempts, "max-connect-attempts", a.cfg.MaxConnectAttempts, "connect attempts before giving up")
	f.StringVarP(&a.cfg.Output, "output", "o", a.cfg.Output, "output format: text|json|yaml")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level: trace|debug|info|warn|error|disabled")
	f.StringVar(&a.cfg.MetricsFile, "metrics-file", a.cfg.MetricsFile, "write Prometheus metrics to this file on exit")

	root.AddCommand(a.availableCmd(), a.statusCmd(), a.unlockCmd(), a.authenticateCmd())
	return root
}

// loadConfig layers file < env < flags onto a.cfg.
func (a *app) loadConfig(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	path := a.cfgPath
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" && fileExists(path) {
		if err := applyFileConfig(&a.cfg, path, changed); err != nil {
			return err
		}
	} else if a.cfgPath != "" {
		return fmt.Errorf("config file %s not found", a.cfgPath)
	}
	if err := applyEnvConfig(&a.cfg, changed, a.getenv); err != nil {
		return err
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}
	if !logging.SetLevel(a.cfg.LogLevel) {
		return fmt.Errorf("unsupported log level %q", a.cfg.LogLevel)
	}
	return nil
}

func (a *app) newClient() (*biometrics.Client, error) {
	id, err := a.cfg.resolveAppID()
	if err != nil {
		return nil, err
	}
	cfg := a.cfg.clientConfig(id, func(phrase []string) { renderFingerprint(a.stderr, phrase) })
	return biometrics.New(cfg), nil
}

func (a *app) writeMetrics() {
	if a.cfg.MetricsFile == "" {
		return
	}
	if err := observability.WriteTextfile(a.cfg.MetricsFile); err != nil {
		log.Warn().Err(err).Str("path", a.cfg.MetricsFile).Msg("write metrics file")
	}
}

func (a *app) availableCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "available",
		Short: "Report whether the desktop app endpoint exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			endpoint := a.cfg.endpointFunc()()
			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if err := session.WaitForEndpoint(ctx, endpoint, session.DefaultPollBackoff()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
			}
			res := availableResult{Endpoint: endpoint, Available: session.EndpointExists(endpoint)}
			if err := render(a.stdout, a.cfg.Output, res); err != nil {
				return err
			}
			if !res.Available {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the endpoint to appear")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query biometrics status, for --user when set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Disconnect()

			var status biometrics.Status
			if a.cfg.UserID != "" {
				status = client.GetStatusForUser(cmd.Context(), a.cfg.UserID)
			} else {
				status = client.GetStatus(cmd.Context())
			}
			return render(a.stdout, a.cfg.Output, statusResult{
				UserID:      a.cfg.UserID,
				Code:        int(status),
				Status:      status.String(),
				Description: status.Description(),
			})
		},
	}
}

func (a *app) unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock --user with biometrics and print the user key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.UserID == "" {
				return errors.New("unlock requires --user")
			}
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Disconnect()

			key, err := client.Unlock(cmd.Context(), a.cfg.UserID)
			if err != nil {
				log.Debug().Err(err).Msg("biometric unlock failed")
				fmt.Fprintf(a.stderr, "biometric unlock unavailable: %s\nunlock with your master password instead\n", biometrics.FailureReason(err))
				return errReported
			}
			return render(a.stdout, a.cfg.Output, unlockResult{
				UserID:     a.cfg.UserID,
				UserKeyB64: base64.StdEncoding.EncodeToString(key),
			})
		},
	}
}

func (a *app) authenticateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authenticate",
		Short: "Ask the desktop app for a biometric prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Disconnect()

			ok := client.Authenticate(cmd.Context())
			if err := render(a.stdout, a.cfg.Output, authenticateResult{Authenticated: ok}); err != nil {
				return err
			}
			if !ok {
				return errReported
			}
			return nil
		},
	}
}
