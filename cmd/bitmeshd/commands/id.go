package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"bitmesh/internal/session"
)

// id: print the local peer ID, creating the static key on first use.
func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := session.LoadOrCreateStatic(home)
			if err != nil {
				return err
			}
			fmt.Printf("peer id:    %s\n", session.DerivePeerID(key.Public))
			fmt.Printf("static key: %s\n", hex.EncodeToString(key.Public))
			return nil
		},
	}
}
