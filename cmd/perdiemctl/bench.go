package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/perdiem/internal/api"
	"github.com/opensource-finance/perdiem/internal/dataset"
	"github.com/opensource-finance/perdiem/internal/domain"
)

var benchFlags struct {
	target      string
	cases       string
	tenant      string
	concurrency int
	limit       int
	timeout     time.Duration
	verbose     bool
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load test a running perdiem server",
	Long: `Replay labelled cases against POST /estimate and report throughput,
latency percentiles and how many responses match the legacy output.

Examples:
  # Replay every case with 10 concurrent clients
  perdiemctl bench --target http://localhost:8080 --cases public_cases.json --concurrency 10

  # First 200 cases, printing each response
  perdiemctl bench --cases public_cases.json --limit 200 --verbose`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().StringVar(&benchFlags.target, "target", "http://localhost:8080", "perdiem base URL")
	benchCmd.Flags().StringVar(&benchFlags.cases, "cases", "", "labelled cases file (JSON)")
	benchCmd.Flags().StringVar(&benchFlags.tenant, "tenant", "benchmark", "tenant ID for requests")
	benchCmd.Flags().IntVar(&benchFlags.concurrency, "concurrency", 10, "concurrent clients")
	benchCmd.Flags().IntVar(&benchFlags.limit, "limit", 0, "maximum cases to send (0 = all)")
	benchCmd.Flags().DurationVar(&benchFlags.timeout, "timeout", 10*time.Second, "per-request timeout")
	benchCmd.Flags().BoolVar(&benchFlags.verbose, "verbose", false, "print each response")
}

// benchResults aggregates one run. Counters are updated atomically by the
// client goroutines.
type benchResults struct {
	Sent     int64
	Errors   int64
	Exact    int64
	Close    int64
	SumError float64
	Duration time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *benchResults) record(latency time.Duration, errAbs float64) {
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	r.SumError += errAbs
	r.mu.Unlock()
}

// percentile returns the p-th percentile latency, 0 < p <= 100.
func (r *benchResults) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchFlags.cases == "" {
		return fmt.Errorf("--cases must be specified")
	}

	cases, err := dataset.LoadFile(benchFlags.cases)
	if err != nil {
		return err
	}
	if benchFlags.limit > 0 && benchFlags.limit < len(cases) {
		cases = cases[:benchFlags.limit]
	}

	out := output(cmd)
	client := &http.Client{Timeout: benchFlags.timeout}
	ctx := commandContext(cmd)

	if err := checkHealth(ctx, client, benchFlags.target); err != nil {
		return fmt.Errorf("perdiem not reachable at %s: %w", benchFlags.target, err)
	}

	fmt.Fprintf(out, "Target:      %s\n", benchFlags.target)
	fmt.Fprintf(out, "Tenant:      %s\n", benchFlags.tenant)
	fmt.Fprintf(out, "Cases:       %d\n", len(cases))
	fmt.Fprintf(out, "Concurrency: %d\n\n", benchFlags.concurrency)

	results := runLoad(ctx, client, cases, out)
	printBench(out, results)
	return nil
}

func runLoad(ctx context.Context, client *http.Client, cases []dataset.Case, out io.Writer) *benchResults {
	results := &benchResults{latencies: make([]time.Duration, 0, len(cases))}
	workers := max(benchFlags.concurrency, 1)

	work := make(chan int, workers*2)
	var wg sync.WaitGroup
	var printMu sync.Mutex

	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				c := cases[idx]
				trip := c.Trip()
				reqStart := time.Now()
				amount, err := postEstimate(ctx, client, benchFlags.target, benchFlags.tenant, trip)
				latency := time.Since(reqStart)
				atomic.AddInt64(&results.Sent, 1)

				if err != nil {
					atomic.AddInt64(&results.Errors, 1)
					if benchFlags.verbose {
						printMu.Lock()
						fmt.Fprintf(out, "ERROR #%d: %v\n", idx, err)
						printMu.Unlock()
					}
					continue
				}

				errAbs := math.Round(math.Abs(amount-c.ExpectedOutput)*100) / 100
				if errAbs <= dataset.ExactTolerance {
					atomic.AddInt64(&results.Exact, 1)
				}
				if errAbs <= dataset.CloseTolerance {
					atomic.AddInt64(&results.Close, 1)
				}
				results.record(latency, errAbs)

				if benchFlags.verbose {
					status := "✓"
					if errAbs > dataset.ExactTolerance {
						status = "✗"
					}
					printMu.Lock()
					fmt.Fprintf(out, "%s #%-5d %3d days %7.0f mi $%9.2f | expected $%9.2f got $%9.2f | %s\n",
						status, idx, trip.Days, trip.Miles, trip.Receipts, c.ExpectedOutput, amount, latency.Round(time.Microsecond))
					printMu.Unlock()
				}
			}
		}()
	}

	for i := range cases {
		if ctx.Err() != nil {
			break
		}
		work <- i
	}
	close(work)
	wg.Wait()

	results.Duration = time.Since(start)
	return results
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// postEstimate scores one trip and returns the amount the server reported.
func postEstimate(ctx context.Context, client *http.Client, baseURL, tenantID string, trip domain.Trip) (float64, error) {
	body, err := json.Marshal(api.TripRequest{Days: trip.Days, Miles: trip.Miles, Receipts: trip.Receipts})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/estimate", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var est domain.EstimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&est); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(est.Amount, 64)
}

func printBench(out io.Writer, r *benchResults) {
	ok := r.Sent - r.Errors
	fmt.Fprintln(out, "Results")
	fmt.Fprintln(out, "=======")
	fmt.Fprintf(out, "Requests:    %d sent, %d failed\n", r.Sent, r.Errors)
	fmt.Fprintf(out, "Duration:    %s\n", r.Duration.Round(time.Millisecond))
	if secs := r.Duration.Seconds(); secs > 0 {
		fmt.Fprintf(out, "Throughput:  %.1f req/s\n", float64(r.Sent)/secs)
	}
	fmt.Fprintf(out, "Latency:     p50 %s  p95 %s  p99 %s\n",
		r.percentile(50).Round(time.Microsecond),
		r.percentile(95).Round(time.Microsecond),
		r.percentile(99).Round(time.Microsecond))
	if ok > 0 {
		fmt.Fprintf(out, "Exact:       %d (%.1f%%)\n", r.Exact, 100*float64(r.Exact)/float64(ok))
		fmt.Fprintf(out, "Close:       %d (%.1f%%)\n", r.Close, 100*float64(r.Close)/float64(ok))
		fmt.Fprintf(out, "Avg error:   $%.2f\n", r.SumError/float64(ok))
	}
}
