package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/pagecaster/internal/encoders"
)

// CreateValidateCmd creates the validate command. run receives the parsed
// root options, see humacli.WithOptions.
func CreateValidateCmd(run func(*cobra.Command, []string)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [encoders.toml]",
		Short: "Validate encoder bindings",
		Long: `Loads the encoder bindings file, reports every problem found and prints the resolved ` +
			`bindings with window geometry and DevTools ports filled in.`,
		Args: cobra.MaximumNArgs(1),
		Run:  run,
	}
}

// RunValidate loads path and writes the resolved bindings to w.
func RunValidate(w io.Writer, path string, debugPortBase int) error {
	bindings, err := encoders.LoadFile(path, debugPortBase)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tINGEST URL\tWINDOW\tDEBUG PORT\tAUDIO")
	for _, b := range bindings {
		audio := b.AudioDevice
		if audio == "" {
			audio = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d+%d+%d\t%d\t%s\n",
			b.ID, b.Channel, b.IngestURL, b.Width, b.Height, b.OffsetX, b.OffsetY, b.DebugPort, audio)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d encoders OK\n", path, len(bindings))
	return nil
}
