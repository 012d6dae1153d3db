package commands

import (
	"fmt"

	"github.com/flatironinstitute/kachery-p2p/src/version"
	"github.com/spf13/cobra"
)

// VersionCmd displays the version of kachery-p2p being used
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}
