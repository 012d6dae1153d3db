package commands

import (
	"github.com/flatironinstitute/kachery-p2p/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

func init() {
	_config.ConfigDir = config.DefaultConfigDirectory()
}

//RootCmd is the root command for kachery-p2p
var RootCmd = &cobra.Command{
	Use:              "kachery-p2p",
	Short:            "kachery-p2p feed replication daemon",
	TraverseChildren: true,
}
