// Loader pushes a portfolio snapshot into a running Claimscope server and
// measures report latency against it.
//
// Usage:
//
//	go run ./cmd/loader -dir ./data -portfolio book-a -url http://localhost:8080
//	go run ./cmd/loader -generate 50000 -seed 7 -portfolio synthetic
//	go run ./cmd/loader -generate 1000 -out ./data -upload=false
//	go run ./cmd/loader -dir ./data -nats nats://localhost:4222
//
// This tool:
//  1. Reads the four CSV tables from -dir, or generates a synthetic portfolio
//  2. Optionally writes the tables to -out
//  3. Uploads the snapshot and prints the risk score table
//  4. Requests every report with -workers concurrent clients, over HTTP or
//     over NATS when -nats is set, and reports latency and cache hit ratio
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/ingest"
)

// Metrics tracks report request results.
type Metrics struct {
	TotalRequests int64
	CacheHits     int64
	CacheMisses   int64
	TotalErrors   int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

// percentile returns the p-th percentile latency, p in [0,1].
func (m *Metrics) percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), m.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// scoreRow mirrors one row of the risk-score report.
type scoreRow struct {
	RiskScore      int      `json:"risk_score"`
	TotalCustomers int      `json:"total_customers"`
	TotalClaims    int      `json:"total_claims"`
	ClaimRate      *float64 `json:"claim_rate"`
}

func main() {
	// Parse flags
	dir := flag.String("dir", "", "Directory with customers.csv, vehicles.csv, driving_history.csv and claims.csv")
	count := flag.Int("generate", 0, "Generate a synthetic portfolio with this many customers instead of reading -dir")
	seed := flag.Uint64("seed", 1, "Seed for -generate")
	out := flag.String("out", "", "Write the tables as CSV into this directory")
	baseURL := flag.String("url", "http://localhost:8080", "Claimscope base URL")
	portfolioID := flag.String("portfolio", "default", "Portfolio ID to load into")
	upload := flag.Bool("upload", true, "Upload the snapshot to the server")
	rounds := flag.Int("rounds", 5, "Times each report is requested")
	workers := flag.Int("workers", 8, "Number of concurrent report clients")
	verbose := flag.Bool("verbose", false, "Print each report request")
	natsURL := flag.String("nats", "", "Request reports over this NATS server instead of HTTP")
	flag.Parse()

	if *dir == "" && *count <= 0 {
		fmt.Println("Usage: loader -dir ./data | -generate N [-portfolio id] [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|                  CLAIMSCOPE SNAPSHOT LOADER                   |")
	fmt.Println("+---------------------------------------------------------------+")

	var tables *domain.Tables
	var err error
	if *count > 0 {
		fmt.Printf("\nGenerating %d customers (seed %d)...\n", *count, *seed)
		tables = generate(*count, *seed)
	} else {
		fmt.Printf("\nReading tables from %s...\n", *dir)
		tables, err = ingest.ReadDir(*dir)
		if err != nil {
			fmt.Printf("ERROR: failed to read tables: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("  customers:       %d\n", len(tables.Customers))
	fmt.Printf("  vehicles:        %d\n", len(tables.Vehicles))
	fmt.Printf("  driving history: %d\n", len(tables.DrivingHistory))
	fmt.Printf("  claims:          %d\n", len(tables.Claims))

	if *out != "" {
		if err := ingest.WriteDir(*out, tables); err != nil {
			fmt.Printf("ERROR: failed to write tables: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Tables written to %s\n", *out)
	}

	if !*upload {
		return
	}

	client := &http.Client{Timeout: 2 * time.Minute}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Claimscope not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Claimscope is running:")
		fmt.Println("  go run ./cmd/claimscope")
		os.Exit(1)
	}
	fmt.Println("Claimscope is healthy")

	start := time.Now()
	info, err := uploadSnapshot(client, *baseURL, *portfolioID, tables)
	if err != nil {
		fmt.Printf("ERROR: upload failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Snapshot stored: portfolio %s revision %s (%v)\n", info.ID, info.Revision, time.Since(start).Round(time.Millisecond))

	var scores struct {
		Rows []scoreRow `json:"rows"`
	}
	if err := getJSON(client, *baseURL+"/portfolios/"+*portfolioID+"/reports/risk-score", &scores); err != nil {
		fmt.Printf("ERROR: failed to fetch risk scores: %v\n", err)
		os.Exit(1)
	}
	printScores(scores.Rows)

	var list struct {
		Reports []string `json:"reports"`
	}
	if err := getJSON(client, *baseURL+"/reports", &list); err != nil {
		fmt.Printf("ERROR: failed to list reports: %v\n", err)
		os.Exit(1)
	}

	fetch := httpFetcher(client, *baseURL, *portfolioID)
	transport := "HTTP"
	if *natsURL != "" {
		eventBus, err := bus.NewNATSBus(domain.EventBusConfig{NATSUrl: *natsURL, NATSMaxReconnects: 3, NATSReconnectWait: 1})
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer eventBus.Close()
		fetch = busFetcher(eventBus, *portfolioID)
		transport = "NATS"
	}

	fmt.Printf("\nRequesting %d reports x %d rounds with %d workers over %s...\n", len(list.Reports), *rounds, *workers, transport)
	startTime := time.Now()
	metrics := runReports(fetch, list.Reports, *rounds, *workers, *verbose)
	printResults(metrics, time.Since(startTime))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func uploadSnapshot(client *http.Client, baseURL, portfolioID string, tables *domain.Tables) (*domain.PortfolioInfo, error) {
	body, err := json.Marshal(tables)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/portfolios/"+portfolioID+"/snapshot", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error      string             `json:"error"`
			Violations []domain.Violation `json:"violations"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		for i, v := range e.Violations {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(e.Violations)-i)
				break
			}
			fmt.Printf("  %s[%d] id=%d %s: %s\n", v.Table, v.Row, v.ID, v.Field, v.Reason)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}

	var info domain.PortfolioInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// fetcher requests one report and returns its cache status, HIT or MISS.
type fetcher func(name string) (string, error)

func runReports(fetch fetcher, reports []string, rounds, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan string, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for name := range work {
				start := time.Now()
				cacheStatus, err := fetch(name)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalRequests, 1)
				metrics.observe(elapsed)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", name, err)
					}
					continue
				}

				if cacheStatus == "HIT" {
					atomic.AddInt64(&metrics.CacheHits, 1)
				} else {
					atomic.AddInt64(&metrics.CacheMisses, 1)
				}

				if verbose {
					fmt.Printf("%-16s | cache: %-4s | %v\n", name, cacheStatus, elapsed.Round(time.Microsecond))
				}
			}
		}()
	}

	// Send work
	for r := 0; r < rounds; r++ {
		for _, name := range reports {
			work <- name
		}
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

// reportParams are the parameters sent for reports that need one.
func reportParams(name string) map[string]string {
	switch name {
	case "dimension":
		return map[string]string{"dimension": "income"}
	case "dimension-pair":
		return map[string]string{"first": "age", "second": "income"}
	}
	return nil
}

func httpFetcher(client *http.Client, baseURL, portfolioID string) fetcher {
	return func(name string) (string, error) {
		url := baseURL + "/portfolios/" + portfolioID + "/reports/" + name
		if params := reportParams(name); params != nil {
			sep := "?"
			for _, k := range []string{"dimension", "first", "second"} {
				if v, ok := params[k]; ok {
					url += sep + k + "=" + v
					sep = "&"
				}
			}
		}

		resp, err := client.Get(url)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		var body json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("status %d: %s", resp.StatusCode, body)
		}
		return resp.Header.Get("X-Cache"), nil
	}
}

func busFetcher(eventBus domain.EventBus, portfolioID string) fetcher {
	return func(name string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		reply, err := bus.RequestReport(ctx, eventBus, domain.ReportRequest{
			PortfolioID: portfolioID,
			Report:      name,
			Params:      reportParams(name),
		})
		if err != nil {
			return "", err
		}
		if reply.Cached {
			return "HIT", nil
		}
		return "MISS", nil
	}
}

func printScores(rows []scoreRow) {
	fmt.Println("\nRISK SCORE TABLE")
	fmt.Println("   score   customers   claims   claim rate")
	for _, r := range rows {
		rate := "     n/a"
		if r.ClaimRate != nil {
			rate = fmt.Sprintf("%8.4f", *r.ClaimRate)
		}
		fmt.Printf("   %5d   %9d   %6d   %s\n", r.RiskScore, r.TotalCustomers, r.TotalClaims, rate)
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                        REPORT RESULTS                         |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total:        %d\n", m.TotalRequests)
	fmt.Printf("   Cache hits:   %d\n", m.CacheHits)
	fmt.Printf("   Cache misses: %d\n", m.CacheMisses)
	fmt.Printf("   Errors:       %d\n", m.TotalErrors)

	if served := m.CacheHits + m.CacheMisses; served > 0 {
		fmt.Printf("   Hit ratio:    %.2f%%\n", 100*float64(m.CacheHits)/float64(served))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration: %v\n", duration.Round(time.Millisecond))
	fmt.Printf("   p50 Latency:    %v\n", m.percentile(0.5).Round(time.Microsecond))
	fmt.Printf("   p99 Latency:    %v\n", m.percentile(0.99).Round(time.Microsecond))
	if m.TotalRequests > 0 {
		fmt.Printf("   Throughput:     %.2f req/sec\n", float64(m.TotalRequests)/duration.Seconds())
	}
	fmt.Println()
}
