// Benchmark replays a labelled PaySim CSV through Harrier's ingest API.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each row becomes one transfer (nameOrig -> nameDest) timestamped at
// start + step hours. Rows are sent in file order by default because feature
// windows depend on ingest order; raise -workers only for throughput runs.
// Harrier's verdict (flagged/clean) is compared with the isFraud label.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Row is one labelled PaySim transaction.
type Row struct {
	Step     int
	Type     string
	Amount   float64
	Sender   string
	Receiver string
	IsFraud  bool
}

type transferRequest struct {
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
}

type ingestResult struct {
	TransferID     string   `json:"transferId"`
	Status         string   `json:"status"`
	TriggeredRules []string `json:"triggeredRules"`
}

// Counts tracks the confusion matrix.
type Counts struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64
	Errors         atomic.Int64
	LatencyMs      atomic.Int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	limit := flag.Int("limit", 10000, "Maximum rows to replay (0 = all)")
	workers := flag.Int("workers", 1, "Concurrent requests")
	start := flag.String("start", "2025-01-01T00:00:00Z", "Timestamp of step 0 (RFC 3339)")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	t0, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		fmt.Printf("ERROR: invalid -start: %v\n", err)
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	rows, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Replaying %d rows with %d workers against %s\n", len(rows), *workers, *baseURL)

	began := time.Now()
	counts := replay(context.Background(), rows, *baseURL, t0, *workers, *verbose)
	printResults(counts, len(rows), time.Since(began))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path string, limit int) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, name := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		step, _ := strconv.Atoi(record[col["step"]])
		amount, err := strconv.ParseFloat(record[col["amount"]], 64)
		if err != nil {
			continue
		}
		rows = append(rows, Row{
			Step:     step,
			Type:     record[col["type"]],
			Amount:   amount,
			Sender:   record[col["nameorig"]],
			Receiver: record[col["namedest"]],
			IsFraud:  record[col["isfraud"]] == "1",
		})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func replay(ctx context.Context, rows []Row, baseURL string, t0 time.Time, workers int, verbose bool) *Counts {
	counts := &Counts{}
	client := &http.Client{Timeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, row := range rows {
		g.Go(func() error {
			began := time.Now()
			res, err := ingest(ctx, client, baseURL, transferRequest{
				Sender:        row.Sender,
				Receiver:      row.Receiver,
				Amount:        row.Amount,
				Timestamp:     t0.Add(time.Duration(row.Step) * time.Hour),
				PaymentMethod: strings.ToLower(row.Type),
			})
			counts.LatencyMs.Add(time.Since(began).Milliseconds())
			if err != nil {
				counts.Errors.Add(1)
				if verbose {
					fmt.Printf("ERROR %s -> %s: %v\n", row.Sender, row.Receiver, err)
				}
				return nil
			}

			predicted := res.Status == "flagged"
			switch {
			case predicted && row.IsFraud:
				counts.TruePositives.Add(1)
			case predicted:
				counts.FalsePositives.Add(1)
			case row.IsFraud:
				counts.FalseNegatives.Add(1)
			default:
				counts.TrueNegatives.Add(1)
			}
			if verbose {
				fmt.Printf("%-12s -> %-12s %12.2f fraud=%-5v %s %v\n",
					row.Sender, row.Receiver, row.Amount, row.IsFraud, res.Status, res.TriggeredRules)
			}
			return nil
		})
	}
	_ = g.Wait()
	return counts
}

func ingest(ctx context.Context, client *http.Client, baseURL string, req transferRequest) (*ingestResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var res ingestResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func printResults(c *Counts, total int, elapsed time.Duration) {
	tp, fp := float64(c.TruePositives.Load()), float64(c.FalsePositives.Load())
	tn, fn := float64(c.TrueNegatives.Load()), float64(c.FalseNegatives.Load())

	ratio := func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	}
	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := ratio(2*precision*recall, precision+recall)

	fmt.Println()
	fmt.Println("RESULTS")
	fmt.Printf("  Rows:        %d (errors %d)\n", total, c.Errors.Load())
	fmt.Printf("  Confusion:   TP %.0f  FP %.0f  TN %.0f  FN %.0f\n", tp, fp, tn, fn)
	fmt.Printf("  Precision:   %.4f\n", precision)
	fmt.Printf("  Recall:      %.4f\n", recall)
	fmt.Printf("  F1:          %.4f\n", f1)
	fmt.Printf("  Accuracy:    %.4f\n", ratio(tp+tn, tp+tn+fp+fn))
	fmt.Printf("  Duration:    %v\n", elapsed.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("  Avg latency: %.2f ms\n", float64(c.LatencyMs.Load())/float64(total))
		fmt.Printf("  Throughput:  %.2f transfers/sec\n", float64(total)/elapsed.Seconds())
	}
}
