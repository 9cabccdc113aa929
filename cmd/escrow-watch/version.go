package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		rev := commit
		if rev == "" || rev == "none" {
			rev = vcsRevision()
		}
		fmt.Fprintf(out, "escrow-watch %s", version)
		if rev != "" {
			fmt.Fprintf(out, " commit %s", rev)
		}
		if date != "" {
			fmt.Fprintf(out, " built %s", date)
		}
		fmt.Fprintf(out, " (%s)\n", runtime.Version())
		return nil
	},
}

// vcsRevision falls back to the revision stamped by `go build` when ldflags
// did not set one.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}
