// Replay tool for feeding recorded transactions into Kestrel.
//
// Usage:
//
//	go run ./cmd/replay -file transactions.jsonl -url http://localhost:8080
//	go run ./cmd/replay -file transactions.jsonl -local
//	go run ./cmd/replay -file paysim.csv -format paysim -local
//
// In -url mode every record is posted to a running instance. In -local mode
// the records run through an in-process pipeline with a fixed clock and the
// resulting detections are printed as JSON lines on stdout, sorted by id, so
// two replays of the same input can be compared byte for byte.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sink"
)

// replayClock stamps record timestamps in -local mode.
var replayClock = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Metrics tracks replay results.
type Metrics struct {
	TotalSent        int64
	TotalAccepted    int64
	TotalRejected    int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func main() {
	var (
		file       = flag.String("file", "", "Path to input file (required)")
		format     = flag.String("format", "jsonl", "Input format: jsonl or paysim")
		baseURL    = flag.String("url", "http://localhost:8080", "Kestrel API base URL")
		local      = flag.Bool("local", false, "Replay through an in-process pipeline instead of the API")
		configPath = flag.String("config", "", "Optional YAML configuration for -local mode")
		reorder    = flag.Duration("reorder-grace", 0, "Hold records this long in event time to restore order in -local mode")
		numWorkers = flag.Int("workers", 10, "Number of concurrent HTTP workers")
		limit      = flag.Int("limit", 0, "Limit number of records (0 = all)")
		verbose    = flag.Bool("verbose", false, "Print per-record results")
	)
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: replay -file <path> [-format jsonl|paysim] [-url <base>] [-local]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	txs, err := load(*file, *format, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load %s: %v\n", *file, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "📂 Loaded %d transactions from %s\n", len(txs), *file)

	if *local {
		if err := replayLocal(txs, *configPath, *reorder, *verbose, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Replay failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !checkHealth(*baseURL) {
		fmt.Fprintf(os.Stderr, "❌ Kestrel is not running at %s\n", *baseURL)
		os.Exit(1)
	}

	start := time.Now()
	m := replayHTTP(txs, *baseURL, *numWorkers, *verbose)
	printResults(m, time.Since(start))
}

func load(path, format string, limit int) ([]*domain.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch format {
	case "jsonl":
		return readJSONLines(f, limit)
	case "paysim":
		return readPaySim(f, limit)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// replayLocal runs txs through a pipeline built from configPath (or the
// defaults) with the builtin rules, no persistence and log-only sinks, then
// writes the detections to out. A positive reorderGrace overrides the
// configured pipeline.reorder_grace.
func replayLocal(txs []*domain.Transaction, configPath string, reorderGrace time.Duration, verbose bool, out io.Writer) error {
	cfg := domain.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Windows close on event time only.
	cfg.Aggregation.WatermarkInterval = 0
	if reorderGrace > 0 {
		cfg.Pipeline.ReorderGrace = reorderGrace
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	engine, err := rules.NewEngine(rules.OptionsFromConfig(cfg.Engine))
	if err != nil {
		return err
	}
	defer engine.Close()
	if _, err := engine.Load(rules.BuiltinVersion, rules.BuiltinRules()); err != nil {
		return err
	}

	logSink := sink.NewLogSink(slog.Default())
	dispatcher := sink.NewDispatcher(cfg.Sinks, sink.Sinks{
		Alerts:         logSink,
		Investigations: logSink,
		Cases:          logSink,
	})

	var (
		mu         sync.Mutex
		detections []domain.Detection
		levels     = map[domain.RiskLevel]int{}
		actions    = map[string]int{}
	)
	p, err := pipeline.New(cfg, engine, nil, cache.NewLRUCache(cfg.Cache.LocalMaxSize), dispatcher,
		pipeline.WithClock(func() time.Time { return replayClock }),
		pipeline.WithAssessmentObserver(func(a pipeline.Assessed) {
			mu.Lock()
			defer mu.Unlock()
			levels[a.Assessment.Level]++
			actions[string(a.Outcome.Action)]++
		}),
		pipeline.WithDetectionObserver(func(d domain.Detection) {
			mu.Lock()
			defer mu.Unlock()
			detections = append(detections, d)
		}),
	)
	if err != nil {
		return err
	}

	ctx := context.Background()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	skipped := 0
	for _, tx := range txs {
		if err := p.Submit(ctx, tx); err != nil {
			if errors.Is(err, domain.ErrInvalidTransaction) {
				skipped++
				continue
			}
			p.Close()
			<-errc
			return err
		}
	}
	p.Close()
	if err := <-errc; err != nil {
		return err
	}

	sort.Slice(detections, func(i, j int) bool { return detections[i].ID < detections[j].ID })
	enc := json.NewEncoder(out)
	for _, d := range detections {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "\n📊 Replayed %d transactions (%d skipped)\n", len(txs)-skipped, skipped)
	for _, l := range []domain.RiskLevel{domain.RiskVeryLow, domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
		fmt.Fprintf(os.Stderr, "   %-9s %d\n", l, levels[l])
	}
	names := make([]string, 0, len(actions))
	for a := range actions {
		names = append(names, a)
	}
	sort.Strings(names)
	for _, a := range names {
		fmt.Fprintf(os.Stderr, "   action %-14s %d\n", a, actions[a])
	}
	fmt.Fprintf(os.Stderr, "   detections %d\n", len(detections))
	return nil
}

func checkHealth(baseURL string) bool {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func replayHTTP(txs []*domain.Transaction, baseURL string, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}

	work := make(chan *domain.Transaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				status, err := postTransaction(client, baseURL, tx)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalSent, 1)

				switch {
				case err != nil:
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Fprintf(os.Stderr, "ERROR: %s -> %v\n", tx.ID, err)
					}
				case status == http.StatusAccepted:
					atomic.AddInt64(&m.TotalAccepted, 1)
				default:
					atomic.AddInt64(&m.TotalRejected, 1)
					if verbose {
						fmt.Fprintf(os.Stderr, "REJECTED: %s -> status %d\n", tx.ID, status)
					}
				}
			}
		}()
	}

	for _, tx := range txs {
		work <- tx
	}
	close(work)
	wg.Wait()

	return m
}

func postTransaction(client *http.Client, baseURL string, tx *domain.Transaction) (int, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 SUBMISSIONS\n")
	fmt.Printf("   Total Sent:       %d\n", m.TotalSent)
	fmt.Printf("   Accepted:         %d\n", m.TotalAccepted)
	fmt.Printf("   Rejected:         %d\n", m.TotalRejected)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalSent > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalSent)
		tps := float64(m.TotalSent) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println("\n   Detections are available per customer at GET /entities/{id}/detections")
	fmt.Println()
}
