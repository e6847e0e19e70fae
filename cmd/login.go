package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/pagecaster/internal/browser"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/process"
)

// LoginOptions locates the encoder whose browser profile is opened.
type LoginOptions struct {
	EncodersFile  string
	DebugPortBase int
	Browser       browser.Options
}

// CreateLoginCmd creates the login command. run receives the parsed root
// options, see humacli.WithOptions.
func CreateLoginCmd(run func(*cobra.Command, []string)) *cobra.Command {
	return &cobra.Command{
		Use:   "login [encoder-id] [url]",
		Short: "Open an encoder's browser to sign in to streaming sites",
		Long: `Opens the browser of one encoder with its persistent profile so an operator can sign in ` +
			`to streaming services. Stop the pagecaster service first: a profile can only be used by one ` +
			`browser at a time. The command returns when the window is closed or on Ctrl+C.`,
		Args: cobra.RangeArgs(1, 2),
		Run:  run,
	}
}

// RunLogin opens the browser for encoderID on url and waits for it to exit.
func RunLogin(ctx context.Context, opts LoginOptions, encoderID, url string) error {
	bindings, err := encoders.LoadFile(opts.EncodersFile, opts.DebugPortBase)
	if err != nil {
		return err
	}

	var binding *encoders.Binding
	for i := range bindings {
		if bindings[i].ID == encoderID {
			binding = &bindings[i]
			break
		}
	}
	if binding == nil {
		return fmt.Errorf("encoder %s: %w", encoderID, encoders.ErrEncoderNotFound)
	}

	opts.Browser.StartURL = url
	profile := browser.ProfilePath(opts.Browser, encoderID)
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	command, err := browser.ChromeCommand(*binding, opts.Browser)
	if err != nil {
		return err
	}

	logger := logging.GetLogger("browser").With("encoder_id", encoderID)
	proc := process.NewProcess("login-"+encoderID, command, logger)
	proc.SetLogParser(logging.GetLogger("chrome"), browser.ParseChromeLog)

	logger.Info("Browser opened, sign in and close the window when done", "profile", profile)
	code := proc.Run(ctx)
	if code != 0 && ctx.Err() == nil {
		return fmt.Errorf("browser exited with code %d", code)
	}
	return nil
}
