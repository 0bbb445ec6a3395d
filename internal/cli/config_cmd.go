package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/musebatch/internal/config"
	"github.com/mattjoyce/musebatch/internal/doctor"
)

func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			data, err := config.Marshal(a.cfg)
			if err != nil {
				return WrapExitError(ExitFailure, "encode config", err)
			}

			if !a.out.JSON() {
				if a.cfg.SourceFile != "" {
					fmt.Fprintf(a.out.Writer, "# source: %s\n", a.cfg.SourceFile)
				} else {
					fmt.Fprintln(a.out.Writer, "# source: built-in defaults")
				}
				_, err := a.out.Writer.Write(data)
				return err
			}

			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return WrapExitError(ExitFailure, "decode config", err)
			}
			return a.out.Success(map[string]any{
				"source_file": a.cfg.SourceFile,
				"config":      doc,
			})
		},
	}
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and the host it runs on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			r := doctor.New(a.cfg).Validate()
			if err := a.out.Result(r, func(w io.Writer) error {
				_, err := io.WriteString(w, doctor.FormatHuman(r))
				return err
			}); err != nil {
				return err
			}
			if !r.Valid {
				return NewExitError(ExitFailure, fmt.Sprintf("configuration invalid (%d error(s))", len(r.Errors)))
			}
			return nil
		},
	}
}
