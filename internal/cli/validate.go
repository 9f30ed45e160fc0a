package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fidsync/internal/config"
	"github.com/roach88/fidsync/internal/params"
)

// ValidationResult is the JSON payload of a successful validate.
type ValidationResult struct {
	Valid   bool         `json:"valid"`
	Regime  string       `json:"regime"`
	Table   params.Table `json:"params"`
	Devices []DeviceInfo `json:"devices"`
}

// DeviceInfo describes one validated device.
type DeviceInfo struct {
	Name         string  `json:"name"`
	Event        int     `json:"event"`
	Delay        float64 `json:"delay"`
	Slaved       bool    `json:"slaved"`
	Capabilities string  `json:"capabilities"`
	StatusCell   string  `json:"status_cell,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-dir>",
		Short: "Validate a device configuration directory",
		Long: `Load and validate the CUE device definitions in a directory.

Checks CUE syntax, the embedded schema, value ranges (trigger events 0..255,
non-negative delays, threshold ordering) and device name collisions after
Unicode normalization. Nothing is started.

Exit codes: 0 valid, 1 invalid configuration, 2 unreadable directory.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(configDir)
	if err != nil {
		return outputValidateError(formatter, err)
	}

	result := ValidationResult{
		Valid:  true,
		Regime: cfg.Regime.String(),
		Table:  cfg.Table,
	}
	for _, d := range cfg.Devices {
		formatter.VerboseLog("device %s: event=%d delay=%g slaved=%t caps=%s", d.Name, d.Event, d.Delay, d.Slaved, d.Caps)
		result.Devices = append(result.Devices, DeviceInfo{
			Name:         d.Name,
			Event:        d.Event,
			Delay:        d.Delay,
			Slaved:       d.Slaved,
			Capabilities: d.Caps.String(),
			StatusCell:   d.StatusCell,
		})
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Configuration valid: %d device(s), %s regime\n", len(result.Devices), result.Regime)
	return nil
}

// outputValidateError reports a load failure. A directory that cannot be
// read is a command error; a configuration that loads but is wrong is a
// validation failure.
func outputValidateError(formatter *OutputFormatter, err error) error {
	code, message := ErrCodeGeneric, err.Error()
	var loadErr *config.LoadError
	if errors.As(err, &loadErr) {
		code, message = loadErr.Code, loadErr.Error()
	}
	_ = formatter.Error(code, message, nil)

	switch code {
	case config.ErrCodeNotFound, config.ErrCodeNoFiles, config.ErrCodeLoadFailed:
		return NewExitError(ExitCommandError, message)
	default:
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed: %s", message))
	}
}
