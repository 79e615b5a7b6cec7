package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"bitmesh/internal/metrics"
)

// status: read and summarize the metrics snapshot a running node writes.
func statusCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show counters from a running node's metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = filepath.Join(home, "metrics.json")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read snapshot (is the node running?): %w", err)
			}
			var snap metrics.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}

			fmt.Printf("snapshot:  %s (%s ago)\n", snap.GeneratedAt.Format(time.RFC3339), time.Since(snap.GeneratedAt).Round(time.Second))
			fmt.Printf("links:     %d active, %d admitted, %d refused, %d evicted\n",
				snap.Conn.Active, snap.Conn.Admitted, snap.Conn.Refused, snap.Conn.Evicted)
			fmt.Printf("relay:     %d delivered, %d relayed, %d dup, %d ttl, %d decode, %d relay-only\n",
				snap.Relay.Delivered, snap.Relay.Relayed, snap.Relay.DropDuplicate,
				snap.Relay.DropTTL, snap.Relay.DropDecode, snap.Relay.RelayOnly)
			fmt.Printf("sessions:  %d established, %d resets, %d rejected\n",
				snap.Session.Established, snap.Session.Resets, snap.Session.Rejected)
			fmt.Printf("gossip:    %d filters out, %d in, %d offers, %d throttled\n",
				snap.Gossip.FiltersSent, snap.Gossip.FiltersReceived,
				snap.Gossip.OffersSent, snap.Gossip.OffersThrottled)
			fmt.Printf("queue:     %d enqueued, %d drained, %d expired, %d evicted\n",
				snap.Queue.Enqueued, snap.Queue.Drained, snap.Queue.Expired, snap.Queue.Evicted)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "metrics-path", "", "snapshot file (default <home>/metrics.json)")
	return cmd
}
