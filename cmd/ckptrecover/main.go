// Command ckptrecover rewrites a legacy checkpoint in place as a standard
// checkpoint holding only its tensors.
//
// Usage:
//
//	ckptrecover <path>          convert in place
//	ckptrecover inspect <path>  list recoverable tensors, write nothing
//	ckptrecover version
//
// Logging is configured with CKPTRECOVER_LOG_LEVEL and CKPTRECOVER_LOG_FORMAT.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/ckptrecover/checkpoint"
	"github.com/born-ml/ckptrecover/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK = iota
	exitFailure
	exitUnsupported
	exitMissingDescriptor
	exitStructural
	exitEmpty
)

// Config holds the positional arguments.
type Config struct {
	Path string
}

// Validate ensures the configuration is valid.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// ParseArgs parses positional arguments into the Config.
func ParseArgs(cfg *Config, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("expected exactly 1 argument (path), got %d", len(args))
	}
	cfg.Path = args[0]
	return cfg.Validate()
}

// Deps holds dependencies for the commands.
type Deps struct {
	Out    io.Writer
	Logger *slog.Logger
}

// Handler converts cfg.Path and reports each stage on deps.Out.
func Handler(cfg Config, deps *Deps) error {
	fmt.Fprintf(deps.Out, "Converting: %s\n", cfg.Path)
	res, err := checkpoint.Convert(cfg.Path, checkpoint.WithLogger(deps.Logger))
	switch {
	case errors.Is(err, checkpoint.ErrUnsupportedContainer):
		fmt.Fprintln(deps.Out, "Not a zip file!")
		return err
	case errors.Is(err, checkpoint.ErrMissingDescriptor):
		fmt.Fprintln(deps.Out, "No data.pkl found")
		return err
	case errors.Is(err, checkpoint.ErrEmptyExtraction):
		fmt.Fprintln(deps.Out, "Extracted 0 tensors.")
		fmt.Fprintln(deps.Out, "Failed to extract state dict.")
		return err
	case err != nil:
		fmt.Fprintf(deps.Out, "Conversion failed: %v\n", err)
		return err
	}

	fmt.Fprintf(deps.Out, "Found data.pkl at %s\n", res.Descriptor)
	fmt.Fprintln(deps.Out, "Loaded data structure.")
	fmt.Fprintf(deps.Out, "Extracted %d tensors.\n", res.Tensors())
	if res.Degraded > 0 {
		fmt.Fprintf(deps.Out, "Warning: %d storages were missing and zero-filled.\n", res.Degraded)
	}
	fmt.Fprintln(deps.Out, "Saved converted model (state_dict only).")
	return nil
}

// InspectHandler lists the tensors recoverable from cfg.Path.
func InspectHandler(cfg Config, deps *Deps) error {
	res, tensors, err := checkpoint.Inspect(cfg.Path, checkpoint.WithLogger(deps.Logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(deps.Out, "Found data.pkl at %s (protocol %d)\n", res.Descriptor, res.Protocol)
	for _, key := range tensors.Keys() {
		t, _ := tensors.Get(key)
		status := ""
		if t.Storage.Degraded {
			status = " (zero-filled)"
		}
		fmt.Fprintf(deps.Out, "%s\t%s\t%v%s\n", key, t.Storage.DType, []int(t.Shape), status)
	}
	fmt.Fprintf(deps.Out, "%d tensors, %d storages resolved, %d degraded, %d placeholder types\n",
		res.Tensors(), res.Resolved, res.Degraded, res.Placeholders)
	return nil
}

func runE(deps *Deps, handler func(Config, *Deps) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var cfg Config
		if err := ParseArgs(&cfg, args); err != nil {
			return err
		}
		deps.Out = cmd.OutOrStdout()
		return handler(cfg, deps)
	}
}

// Command creates the ckptrecover command tree.
func Command(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ckptrecover <path>",
		Short: "Recover tensors from legacy checkpoints",
		Long: `Recover tensors from legacy checkpoints.

ckptrecover reads a zip checkpoint whose pickled graph references classes
that can no longer be imported, extracts every tensor under a dotted key and
replaces the file with a standard checkpoint holding only the state dict.
The file is left unchanged when conversion fails.

Exit codes:
  0  converted
  1  other failure
  2  not a zip archive
  3  no data.pkl entry
  4  malformed graph stream
  5  no tensors found

Examples:
  # Convert in place
  ckptrecover model.pt

  # List what would be recovered
  ckptrecover inspect model.pt`,
		Args:          cobra.ExactArgs(1),
		RunE:          runE(deps, Handler),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "inspect <path>",
		Short:         "List recoverable tensors without writing",
		Args:          cobra.ExactArgs(1),
		RunE:          runE(deps, InspectHandler),
		SilenceUsage:  true,
		SilenceErrors: true,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ckptrecover %s\n", version)
		},
	})
	return cmd
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, checkpoint.ErrVerifyFailed):
		// The source parsed; whatever broke the re-read is not its category.
		return exitFailure
	case errors.Is(err, checkpoint.ErrUnsupportedContainer):
		return exitUnsupported
	case errors.Is(err, checkpoint.ErrMissingDescriptor):
		return exitMissingDescriptor
	case errors.Is(err, checkpoint.ErrStructuralParse):
		return exitStructural
	case errors.Is(err, checkpoint.ErrEmptyExtraction):
		return exitEmpty
	default:
		return exitFailure
	}
}

func run(args []string, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) int {
	logger, err := logging.New(logging.ConfigFromEnv(lookupEnv), stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	cmd := Command(&Deps{Logger: logger})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}
