package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/leasequeue/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect Queuefile configuration",
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Parse and compile a Queuefile, reporting errors and warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			format, _ := cmd.Flags().GetString("format")
			strict, _ := cmd.Flags().GetBool("strict-secrets")
			if format != "json" && format != "text" {
				return fmt.Errorf("invalid --format %q (use: json|text)", format)
			}
			return exitCode(configValidate(path, format, strict, cmd.OutOrStdout(), cmd.ErrOrStderr()))
		},
	}
	validate.Flags().String("config", "./Queuefile", "path to config file")
	validate.Flags().String("format", "json", "output format: json|text")
	validate.Flags().Bool("strict-secrets", false, "load and verify all configured secret refs during validation")
	cmd.AddCommand(validate)
	return cmd
}

func configValidate(path, format string, strictSecrets bool, stdout, stderr io.Writer) int {
	cfg, err := config.ParseFile(path)
	if err != nil {
		return configValidateError(format, err.Error(), stderr)
	}

	res := config.ValidateWithResultOptions(cfg, config.ValidationOptions{
		SecretPreflight: strictSecrets,
	})
	out := stdout
	code := 0
	if !res.OK {
		out = stderr
		code = 1
	}
	if format == "text" {
		fmt.Fprintln(out, config.FormatValidationText(res))
		return code
	}

	msg, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(out, msg)
	return code
}

// configValidateError emits a validation failure in the requested format.
func configValidateError(format, msg string, stderr io.Writer) int {
	res := config.ValidationResult{
		OK:     false,
		Errors: []string{msg},
	}
	if format == "text" {
		fmt.Fprintln(stderr, config.FormatValidationText(res))
		return 1
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, msg)
		return 1
	}
	fmt.Fprintln(stderr, out)
	return 1
}
