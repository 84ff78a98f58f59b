// Command ralenode embeds the rale engine facade behind a small CLI: it
// loads a single node's configuration from flags and drives tick() at a
// fixed rate until interrupted. Besides the root command, which runs the
// node, it has only a version subcommand; it has no put/get/delete client
// subcommands.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mathdee/rale"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeID        int64
		nodeName      string
		nodeIP        string
		consensusPort int
		storePort     int
		dbPath        string
		stateDir      string
		logDirectory  string
		peersFlag     string
		electionS     float64
		heartbeatS    float64
		tickHz        int
	)

	cmd := &cobra.Command{
		Use:   "ralenode",
		Short: "run a single rale cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := parsePeers(peersFlag)
			if err != nil {
				return err
			}

			cfg := rale.Config{
				NodeID:             nodeID,
				NodeName:           nodeName,
				NodeIP:             nodeIP,
				ConsensusPort:      consensusPort,
				StorePort:          storePort,
				DBPath:             dbPath,
				StateDir:           stateDir,
				LogDirectory:       logDirectory,
				ElectionTimeoutS:   electionS,
				HeartbeatIntervalS: heartbeatS,
				Peers:              peers,
			}

			engine := rale.New()
			if err := engine.Init(cfg); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer engine.Finit()

			return runLoop(engine, tickHz)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&nodeID, "node-id", 0, "node id, 1..1000 (required)")
	flags.StringVar(&nodeName, "node-name", "", "node name")
	flags.StringVar(&nodeIP, "node-ip", "127.0.0.1", "node ip")
	flags.IntVar(&consensusPort, "consensus-port", 5001, "UDP consensus port")
	flags.IntVar(&storePort, "store-port", 6001, "TCP store port")
	flags.StringVar(&dbPath, "db-path", ".", "directory for rale.state / rale.db")
	flags.StringVar(&stateDir, "state-dir", "", "directory for the optional cluster.state side file")
	flags.StringVar(&logDirectory, "log-directory", "", "directory for rale.log; empty logs to stderr")
	flags.StringVar(&peersFlag, "peers", "", "comma-separated id=ip:consensus_port:store_port entries")
	flags.Float64Var(&electionS, "election-timeout", 5, "election timeout in seconds")
	flags.Float64Var(&heartbeatS, "heartbeat-interval", 1, "heartbeat interval in seconds")
	flags.IntVar(&tickHz, "tick-hz", 20, "tick() calls per second, 10-50 per the facade contract")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// version is bumped by hand at release time; there is no build-time
// injection step for this demo binary.
const version = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print ralenode's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// parsePeers decodes --peers entries of the form id=ip:consensus_port:store_port.
func parsePeers(raw string) ([]rale.PeerConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var peers []rale.PeerConfig
	for _, entry := range strings.Split(raw, ",") {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed peer entry %q, want id=ip:consensus_port:store_port", entry)
		}
		id, err := strconv.ParseInt(entry[:eq], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed peer id in %q: %w", entry, err)
		}
		parts := strings.Split(entry[eq+1:], ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed peer address in %q, want ip:consensus_port:store_port", entry)
		}
		cport, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed consensus port in %q: %w", entry, err)
		}
		sport, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("malformed store port in %q: %w", entry, err)
		}
		peers = append(peers, rale.PeerConfig{ID: id, IP: parts[0], ConsensusPort: cport, StorePort: sport})
	}
	return peers, nil
}

// runLoop drives tick() at roughly tickHz until interrupted, satisfying
// the facade's "intended to be called at 10-50 Hz" contract (spec §4.9).
func runLoop(engine *rale.Engine, tickHz int) error {
	if tickHz < 1 {
		tickHz = 20
	}
	interval := time.Second / time.Duration(tickHz)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			if err := engine.Tick(); err != nil {
				return nil
			}
		}
	}
}
