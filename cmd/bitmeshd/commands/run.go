package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bitmesh/internal/channel"
	"bitmesh/internal/config"
	"bitmesh/internal/conn"
	"bitmesh/internal/event"
	"bitmesh/internal/metrics"
	"bitmesh/internal/proto"
	"bitmesh/internal/relay"
	"bitmesh/internal/session"
	"bitmesh/internal/transport"
)

// run: start the node, join the mesh, and bridge stdin/stdout to it.
//
// Input lines are broadcast by default. "/msg <peer-id> <text>" sends a
// private message, "/ch <channel> <text>" sends on a joined channel.
func runCmd() *cobra.Command {
	var (
		listen      string
		peers       []string
		channels    []string
		metricsPath string
		maxConns    int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mesh node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := session.LoadOrCreateStatic(home)
			if err != nil {
				return err
			}

			store := config.NewStore(config.Default())
			if maxConns > 0 {
				store.SetMaxConnections(maxConns, maxConns, maxConns)
			}
			cfg := store.Load()
			bus := event.NewBus()
			mx := metrics.New()
			sessions := session.NewManager(key, session.Options{
				HandshakeTimeout: cfg.HandshakeTimeout,
			})
			registry := channel.NewRegistry()
			for _, spec := range channels {
				name, password, ok := strings.Cut(spec, "=")
				if !ok {
					return fmt.Errorf("bad --channel %q, want name=password", spec)
				}
				if err := registry.SetPassword(name, password); err != nil {
					return err
				}
			}

			signKey, err := session.LoadOrCreateSigning(home)
			if err != nil {
				return err
			}
			conns := conn.NewManager(store, bus, mx)
			engine := relay.NewEngine(store, mx, bus, conns, sessions, registry, relay.Options{
				Nickname:   nickname,
				SigningKey: signKey,
			})
			fmt.Printf("peer id: %s\n", engine.LocalID())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if listen != "" {
				ln, err := transport.Listen(listen)
				if err != nil {
					return err
				}
				defer ln.Close()
				fmt.Printf("listening on %s\n", ln.Addr())
				go func() { _ = conns.Serve(ctx, ln) }()
			}
			if len(peers) > 0 {
				go conns.Maintain(ctx, peers)
			}
			go engine.Run(ctx)
			go printEvents(ctx, bus)
			if metricsPath == "" {
				metricsPath = filepath.Join(home, "metrics.json")
			}
			go writeMetrics(ctx, mx, metricsPath)

			// Give initial dials a moment before announcing.
			time.Sleep(500 * time.Millisecond)
			if err := engine.Announce(); err != nil {
				return err
			}

			go readInput(ctx, engine)
			<-ctx.Done()
			_ = engine.Leave()
			conns.CloseAll()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "UDP address to accept links on (e.g. :7654)")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "addresses to keep dialing")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channels to join, as name=password")
	cmd.Flags().StringVar(&metricsPath, "metrics-path", "", "file to write metrics snapshots to (default <home>/metrics.json)")
	cmd.Flags().IntVar(&maxConns, "max-conns", 0, "override all connection ceilings")
	return cmd
}

func printEvents(ctx context.Context, bus *event.Bus) {
	events, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch v := ev.(type) {
			case event.MessageDelivered:
				from := proto.PeerID(v.Sender).String()
				if v.Channel != "" {
					fmt.Printf("[#%s] %s: %s\n", v.Channel, from, v.Plaintext)
				} else {
					fmt.Printf("%s: %s\n", from, v.Plaintext)
				}
			case event.PeerAnnounced:
				fmt.Printf("* %s is here as %q\n", proto.PeerID(v.Peer), v.Nickname)
			case event.SessionEstablished:
				fmt.Printf("* secure session with %s\n", proto.PeerID(v.Peer))
			case event.SessionReset:
				fmt.Printf("* session with %s reset: %s\n", proto.PeerID(v.Peer), v.Reason)
			}
		}
	}
}

func readInput(ctx context.Context, engine *relay.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatchLine(engine, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func dispatchLine(engine *relay.Engine, line string) error {
	switch {
	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		idStr, text, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: /msg <peer-id> <text>")
		}
		peer, err := proto.ParsePeerID(idStr)
		if err != nil {
			return err
		}
		return engine.SendPrivate(peer, []byte(text))
	case strings.HasPrefix(line, "/ch "):
		rest := strings.TrimPrefix(line, "/ch ")
		name, text, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: /ch <channel> <text>")
		}
		return engine.SendChannel(name, []byte(text))
	default:
		return engine.SendBroadcast([]byte(line))
	}
}

func writeMetrics(ctx context.Context, mx *metrics.Metrics, path string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = mx.WriteSnapshot(path)
		}
	}
}
