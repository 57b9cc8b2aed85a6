package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/resinat/resinprobe/internal/engine"
	"github.com/resinat/resinprobe/internal/noderecord"
)

var version = "dev"

var (
	flagNodesFile string
	flagRouterBin string
	flagProbeURL  string

	flagRounds      int
	flagConcurrency int
	flagTimeoutMs   int

	flagSpeed        bool
	flagWorkers      int
	flagConnections  int
	flagSpeedTimeout int

	flagGeo bool

	flagReadyTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "resinprobe",
	Short: "Health and throughput testing engine for proxy node subscriptions",
	Long: `resinprobe drives an external proxy-router subprocess through its REST
control API and SOCKS5 port to measure node reachability, control-plane
latency, sustained download throughput, and exit-IP geolocation, then
prints the aggregated per-airport results as JSON.

It does not parse subscription documents, render tables, or export files —
pipe its output to whatever does that.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&flagNodesFile, "nodes-file", "", "path to a JSON file: {\"airport\": [node objects...]}")
	rootCmd.Flags().StringVar(&flagRouterBin, "router-bin", "", "path to the external proxy-router binary")
	rootCmd.Flags().StringVar(&flagProbeURL, "probe-url", "http://connectivitycheck.gstatic.com/generate_204", "control-plane latency probe target")

	rootCmd.Flags().IntVar(&flagRounds, "rounds", 10, "latency rounds per node")
	rootCmd.Flags().IntVar(&flagConcurrency, "concurrency", 30, "max outstanding latency probes")
	rootCmd.Flags().IntVar(&flagTimeoutMs, "timeout-ms", 5000, "per-round latency timeout passed to the router")

	rootCmd.Flags().BoolVar(&flagSpeed, "speed", false, "enable the throughput phase")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 5, "speed phase worker count")
	rootCmd.Flags().IntVar(&flagConnections, "connections", 16, "parallel download connections per worker")
	rootCmd.Flags().IntVar(&flagSpeedTimeout, "speed-timeout", 10, "speed measurement window, seconds")

	rootCmd.Flags().BoolVar(&flagGeo, "geo", false, "enable the geolocation phase")

	rootCmd.Flags().DurationVar(&flagReadyTimeout, "ready-timeout", 10*time.Second, "router start readiness timeout")

	rootCmd.MarkFlagRequired("nodes-file")
	rootCmd.MarkFlagRequired("router-bin")
}

func run(cmd *cobra.Command, args []string) error {
	records, sourceOf, err := loadNodesFile(flagNodesFile)
	if err != nil {
		return fmt.Errorf("load nodes file: %w", err)
	}

	e := engine.New(engine.Config{
		RouterBinPath:      flagRouterBin,
		ProbeURL:           flagProbeURL,
		LatencyRounds:      flagRounds,
		LatencyConcurrency: flagConcurrency,
		LatencyTimeoutMs:   flagTimeoutMs,
		EnableSpeed:        flagSpeed,
		SpeedWorkers:       flagWorkers,
		SpeedConnections:   flagConnections,
		SpeedTimeoutS:      flagSpeedTimeout,
		EnableGeo:          flagGeo,
		ReadyTimeout:       flagReadyTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	airports, err := e.Run(ctx, records, sourceOf, nil)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(airports)
}

// loadNodesFile reads {"airport name": [node objects...]} and returns the
// flattened record list along with a lookup closure from node name back to
// its owning airport.
func loadNodesFile(path string) ([]noderecord.Record, func(noderecord.Record) string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var grouped map[string][]json.RawMessage
	if err := json.Unmarshal(data, &grouped); err != nil {
		return nil, nil, fmt.Errorf("decode nodes file: %w", err)
	}

	var records []noderecord.Record
	sourceByName := make(map[string]string)

	for airport, raws := range grouped {
		for _, raw := range raws {
			rec, err := noderecord.Parse(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("airport %q: %w", airport, err)
			}
			name, _ := rec.Name()
			sourceByName[name] = airport
			records = append(records, rec)
		}
	}

	return records, func(r noderecord.Record) string {
		name, _ := r.Name()
		return sourceByName[name]
	}, nil
}
