package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/pagecaster/cmd"
	"github.com/smazurov/pagecaster/internal/config"
	"github.com/smazurov/pagecaster/internal/logging"
)

// Options for the CLI - flat structure with toml mapping.
// Tunables under [tuning], [pause_monitor], [health] and [logging] are read
// separately by config.LoadRuntime and hot reloaded.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Encoder settings
	EncodersConfigFile string `help:"Encoder bindings file" default:"encoders.toml" toml:"encoders.config_file" env:"ENCODERS_CONFIG_FILE"`

	// Browser settings
	BrowserChromePath            string   `help:"Chrome binary, looked up when empty" toml:"browser.chrome_path" env:"BROWSER_CHROME_PATH"`
	BrowserProfileDir            string   `help:"Directory holding one browser profile per encoder" default:"profiles" toml:"browser.profile_dir" env:"BROWSER_PROFILE_DIR"`
	BrowserDebugPortBase         int      `help:"First DevTools port, assigned in encoder order" default:"9222" toml:"browser.debug_port_base" env:"BROWSER_DEBUG_PORT_BASE"`
	BrowserDisplay               string   `help:"X display for browser windows" toml:"browser.display" env:"BROWSER_DISPLAY"`
	BrowserExtraFlags            string   `help:"Extra Chrome flags, comma separated" toml:"browser.extra_flags" env:"BROWSER_EXTRA_FLAGS"`
	BrowserStartupTimeoutSeconds int      `help:"Seconds to wait for DevTools after launch" default:"20" toml:"browser.startup_timeout_seconds" env:"BROWSER_STARTUP_TIMEOUT_SECONDS"`
	BrowserPingURL               string   `help:"Page loaded by the health check" default:"about:blank" toml:"browser.ping_url" env:"BROWSER_PING_URL"`

	// VNC settings
	VNCEnabled    bool   `help:"Enable the /vnc websocket tunnel" default:"true" toml:"vnc.enabled" env:"VNC_ENABLED"`
	VNCMinPort    int    `help:"Lowest VNC port the tunnel may reach" default:"5900" toml:"vnc.min_port" env:"VNC_MIN_PORT"`
	VNCMaxPort    int    `help:"Highest VNC port the tunnel may reach" default:"5999" toml:"vnc.max_port" env:"VNC_MAX_PORT"`
	VNCListen     string `help:"Raw TCP forwarder address, disabled when empty" toml:"vnc.listen" env:"VNC_LISTEN"`
	VNCTargetPort int    `help:"Local VNC port the raw forwarder connects to" default:"5900" toml:"vnc.target_port" env:"VNC_TARGET_PORT"`

	// DVR settings
	DVRBaseURL        string `help:"DVR base URL, recordings disabled when empty" toml:"dvr.url" env:"DVR_URL"`
	DVRTimeoutSeconds int    `help:"DVR request timeout" default:"10" toml:"dvr.timeout_seconds" env:"DVR_TIMEOUT_SECONDS"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings, override [logging] in the config file
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		rt, rtErr := config.LoadRuntime(opts.Config)
		if rtErr != nil {
			slog.Warn("Failed to load runtime settings, using defaults", "error", rtErr)
		}
		logging.Initialize(loggingConfig(opts, rt.Logging))

		logger := logging.GetLogger("main")
		a := newApp(opts, rt)

		hooks.OnStart(func() {
			if err := a.run(); err != nil {
				logger.Error("Pagecaster failed", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			a.stop()
		})
	})

	cli.Root().Use = "pagecaster"
	cli.Root().Short = "Play web pages on HDMI encoders for DVR recording"

	cli.Root().AddCommand(cmd.CreateValidateCmd(humacli.WithOptions(func(c *cobra.Command, args []string, opts *Options) {
		path := opts.EncodersConfigFile
		if len(args) > 0 {
			path = args[0]
		}
		if err := cmd.RunValidate(c.OutOrStdout(), path, opts.BrowserDebugPortBase); err != nil {
			fmt.Fprintln(c.ErrOrStderr(), err)
			os.Exit(1)
		}
	})))

	cli.Root().AddCommand(cmd.CreateLoginCmd(humacli.WithOptions(func(c *cobra.Command, args []string, opts *Options) {
		url := ""
		if len(args) > 1 {
			url = args[1]
		}
		ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		loginOpts := cmd.LoginOptions{
			EncodersFile:  opts.EncodersConfigFile,
			DebugPortBase: opts.BrowserDebugPortBase,
			Browser:       browserOptions(opts),
		}
		if err := cmd.RunLogin(ctx, loginOpts, args[0], url); err != nil {
			fmt.Fprintln(c.ErrOrStderr(), err)
			os.Exit(1)
		}
	})))

	// Run the CLI
	cli.Run()
}

// loggingConfig applies CLI and env overrides on top of the [logging] section.
func loggingConfig(opts *Options, base logging.Config) logging.Config {
	if opts.LoggingLevel != "" {
		base.Level = opts.LoggingLevel
	}
	if opts.LoggingFormat != "" {
		base.Format = opts.LoggingFormat
	}
	return base
}
