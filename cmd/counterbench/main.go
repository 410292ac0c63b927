package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

type options struct {
	target   string
	key      string
	workers  int
	ops      int
	decrEach int
	clientID string
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "counterbench",
		Short:        "Concurrent incr/decr load against a btreekv server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.target, "target", "http://localhost:8080", "server base URL")
	f.StringVar(&opts.key, "key", "bench_counter", "counter key")
	f.IntVar(&opts.workers, "workers", 10, "concurrent clients")
	f.IntVar(&opts.ops, "ops", 1000, "total operations")
	f.IntVar(&opts.decrEach, "decr-every", 0, "make every n-th operation a decr (0 disables)")
	f.StringVar(&opts.clientID, "client-id", "", "X-Client-ID sent with every request")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.workers < 1 || opts.ops < 1 {
		return fmt.Errorf("workers and ops must be positive")
	}

	fmt.Println("=== btreekv counter benchmark ===")
	fmt.Printf("Target: %s\n\n", opts.target)

	c := &client{base: opts.target, clientID: opts.clientID, http: &http.Client{Timeout: 5 * time.Second}}
	if !c.healthy(ctx) {
		return fmt.Errorf("node %s is not available", opts.target)
	}
	if err := c.put(ctx, opts.key, "0"); err != nil {
		return fmt.Errorf("failed to seed counter: %w", err)
	}

	result, expected := benchmarkCounter(ctx, c, opts)
	printResult(fmt.Sprintf("incr/decr on %q (%d workers)", opts.key, opts.workers), result)

	got, err := c.get(ctx, opts.key)
	if err != nil {
		return fmt.Errorf("failed to read counter: %w", err)
	}
	fmt.Printf("\nFinal counter: %s (expected %d)\n", got, expected)
	if got != fmt.Sprint(expected) {
		return fmt.Errorf("counter mismatch: got %s, want %d", got, expected)
	}

	fmt.Println("\n=== Benchmark Complete ===")
	return nil
}

func benchmarkCounter(ctx context.Context, c *client, opts options) (BenchmarkResult, int64) {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful, failed := 0, 0
	var expected int64
	latencies := make([]time.Duration, 0, opts.ops)

	perWorker := opts.ops / opts.workers
	remainder := opts.ops % opts.workers

	for w := 0; w < opts.workers; w++ {
		ops := perWorker
		if w < remainder {
			ops++
		}

		wg.Add(1)
		go func(base, ops int) {
			defer wg.Done()

			for j := 0; j < ops; j++ {
				op := "incr"
				if opts.decrEach > 0 && (base+j)%opts.decrEach == opts.decrEach-1 {
					op = "decr"
				}

				opStart := time.Now()
				status, err := c.incrDecr(ctx, op, opts.key)
				latency := time.Since(opStart)

				mu.Lock()
				switch {
				case err == nil:
					successful++
					if op == "incr" {
						expected++
					} else {
						expected--
					}
				case status == "underflow":
					// the counter was at zero; nothing changed
					successful++
				default:
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w*(perWorker+1), ops)
	}

	wg.Wait()
	duration := time.Since(start)

	return summarize(opts.ops, successful, failed, duration, latencies), expected
}

func summarize(total, successful, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P99Latency = latencies[(len(latencies)*99)/100]
	if len(latencies) < 100 {
		res.P99Latency = res.MaxLatency
	}
	return res
}

type client struct {
	base     string
	clientID string
	http     *http.Client
}

type response struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Value  string `json:"value"`
	Error  string `json:"error"`
}

func (c *client) do(ctx context.Context, method, path string, form url.Values) (int, response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, response{}, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, response{}, err
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, out, err
	}
	return resp.StatusCode, out, nil
}

func (c *client) healthy(ctx context.Context) bool {
	code, _, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err == nil && code == http.StatusOK
}

func (c *client) put(ctx context.Context, key, value string) error {
	code, out, err := c.do(ctx, http.MethodPut, "/api/string", url.Values{"key": {key}, "value": {value}})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", code, out.Error)
	}
	return nil
}

func (c *client) get(ctx context.Context, key string) (string, error) {
	code, out, err := c.do(ctx, http.MethodGet, "/api/string?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", code, out.Error)
	}
	return out.Value, nil
}

// incrDecr returns the operation's result name alongside any error.
func (c *client) incrDecr(ctx context.Context, op, key string) (string, error) {
	code, out, err := c.do(ctx, http.MethodPost, "/api/"+op, url.Values{"key": {key}})
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return out.Result, fmt.Errorf("unexpected status %d: %s", code, out.Error)
	}
	return out.Result, nil
}

func printResult(testName string, result BenchmarkResult) {
	fmt.Println(testName)
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
