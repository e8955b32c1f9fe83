package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrivanolabs/scrivano/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run:   runVersion,
}

// runVersion prints the version and build information.
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("scrivano version %s", build.Version())

	if goVer := build.GoVersion(); goVer != "" {
		fmt.Printf(" go=%s", goVer)
	}

	fmt.Println()
}
