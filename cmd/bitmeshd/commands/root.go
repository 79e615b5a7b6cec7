package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	home     string
	nickname string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "bitmeshd",
		Short: "Decentralized encrypted mesh messaging node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".bitmesh")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.bitmesh)")
	root.PersistentFlags().StringVar(&nickname, "nickname", "", "display name announced to the mesh")

	root.AddCommand(runCmd(), idCmd(), statusCmd())
	return root.Execute()
}
