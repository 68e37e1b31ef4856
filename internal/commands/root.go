package commands

import (
	"github.com/spf13/cobra"
)

func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "podcp",
		Short:   "Copy files between the local filesystem and running pods",
		Version: Version,
	}

	cmd.AddCommand(CP())

	return cmd
}
