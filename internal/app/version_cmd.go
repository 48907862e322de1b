package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			long, _ := cmd.Flags().GetBool("long")
			asJSON, _ := cmd.Flags().GetBool("json")
			return writeVersion(cmd.OutOrStdout(), long, asJSON)
		},
	}
	cmd.Flags().Bool("long", false, "include commit and build date")
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

func writeVersion(w io.Writer, long, asJSON bool) error {
	payload := versionPayload{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
	}

	if asJSON {
		return json.NewEncoder(w).Encode(payload)
	}
	if long {
		_, err := fmt.Fprintf(w, "%s (commit=%s, build_date=%s)\n", payload.Version, payload.Commit, payload.BuildDate)
		return err
	}
	_, err := fmt.Fprintln(w, payload.Version)
	return err
}
