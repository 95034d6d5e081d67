// Benchmark tool for replaying labelled UPI transactions against Merlin.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/upi_transactions.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labelled transactions (Timestamp, SenderUPI, ReceiverUPI, Amount,
//     DeviceID, Latitude, Longitude, IsFraud)
//  2. Derives the feature vector the default model expects
//  3. Replays each sender's transactions in time order to POST /v1/predict
//  4. Treats FLAG and BLOCK as alerts and reports precision, recall and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

const timestampLayout = "2006-01-02 15:04:05"

// labelledTransaction is one CSV row with its derived request.
type labelledTransaction struct {
	Request *domain.PredictionRequest
	IsFraud bool
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // fraud answered FLAG or BLOCK
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64 // fraud answered ALLOW

	Blocked int64
	Flagged int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64
	Degraded       int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled transactions CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Merlin base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent senders")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraud transactions")
	reset := flag.Bool("reset", true, "Purge each sender's history before replaying")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/upi_transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("MERLIN BENCHMARK - labelled UPI replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Merlin URL:  %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Merlin not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Merlin is running:")
		fmt.Println("  go run ./cmd/merlin -config configs/merlin.yaml")
		os.Exit(1)
	}
	fmt.Println("Merlin is healthy")

	transactions, err := readTransactions(*csvPath, *limit, *fraudOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))
	if len(transactions) == 0 {
		os.Exit(0)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if *reset {
		resetHistory(client, *baseURL, transactions)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	m := runBenchmark(client, transactions, *baseURL, *workers, *verbose)
	printResults(m, time.Since(startTime))
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

// readTransactions parses the CSV and derives lag features per sender the
// same way the training pipeline does.
func readTransactions(path string, limit int, fraudOnly bool) ([]labelledTransaction, error) {
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
	for _, required := range []string{"timestamp", "senderupi", "receiverupi", "amount", "isfraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	field := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	type lag struct {
		at     time.Time
		amount float64
	}
	last := make(map[string]lag)

	var out []labelledTransaction
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		ts, err := time.Parse(timestampLayout, field(rec, "timestamp"))
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(field(rec, "amount"), 64)
		if err != nil || amount <= 0 {
			continue
		}
		lat, _ := strconv.ParseFloat(field(rec, "latitude"), 64)
		lon, _ := strconv.ParseFloat(field(rec, "longitude"), 64)
		isFraud := field(rec, "isfraud") == "1"
		sender := field(rec, "senderupi")
		receiver := field(rec, "receiverupi")
		device := field(rec, "deviceid")

		var timeDiff, amountDiff float64
		if prev, ok := last[sender]; ok {
			timeDiff = ts.Sub(prev.at).Seconds()
			amountDiff = amount - prev.amount
		}
		last[sender] = lag{at: ts, amount: amount}

		if fraudOnly && !isFraud {
			continue
		}

		dayOfWeek := (int(ts.Weekday()) + 6) % 7 // Monday = 0
		req := &domain.PredictionRequest{
			Transaction: domain.Transaction{
				SenderID:   sender,
				ReceiverID: receiver,
				Amount:     amount,
				DeviceID:   device,
				Latitude:   lat,
				Longitude:  lon,
				Hour:       ts.Hour(),
				DayOfWeek:  dayOfWeek,
				Timestamp:  ts.UTC(),
			},
			// Order matches domain.DefaultFeatureNames.
			Features: domain.FeatureVector{
				amount, lat, lon,
				float64(ts.Hour()), float64(dayOfWeek), float64(ts.Day()),
				timeDiff, amountDiff,
				encode(sender), encode(receiver), encode(device),
			},
		}
		out = append(out, labelledTransaction{Request: req, IsFraud: isFraud})

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Request.Transaction.Timestamp.Before(out[j].Request.Transaction.Timestamp)
	})
	return out, nil
}

// encode maps a categorical value onto [0, 1).
func encode(v string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(v))
	return float64(h.Sum32()%10000) / 10000
}

func shardFor(sender string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	return int(h.Sum32() % uint32(n))
}

func resetHistory(client *http.Client, baseURL string, txs []labelledTransaction) {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		sender := tx.Request.Transaction.SenderID
		if _, ok := seen[sender]; ok {
			continue
		}
		seen[sender] = struct{}{}

		req, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/entities/"+url.PathEscape(sender)+"/history", nil)
		if err != nil {
			continue
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
		}
	}
	fmt.Printf("Reset history for %d senders\n", len(seen))
}

// runBenchmark shards transactions by sender so each sender's history is
// built in time order while different senders run in parallel.
func runBenchmark(client *http.Client, txs []labelledTransaction, baseURL string, numWorkers int, verbose bool) *Metrics {
	if numWorkers < 1 {
		numWorkers = 1
	}
	m := &Metrics{}

	shards := make([]chan labelledTransaction, numWorkers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan labelledTransaction, 100)
		wg.Add(1)
		go func(work <-chan labelledTransaction) {
			defer wg.Done()
			for tx := range work {
				start := time.Now()
				result, err := predict(client, baseURL, tx.Request)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.Request.Transaction.SenderID, err)
					}
					continue
				}
				record(m, tx, result, verbose)
			}
		}(shards[i])
	}

	for _, tx := range txs {
		shards[shardFor(tx.Request.Transaction.SenderID, numWorkers)] <- tx
	}
	for _, s := range shards {
		close(s)
	}
	wg.Wait()

	return m
}

func record(m *Metrics, tx labelledTransaction, result *domain.DecisionResponse, verbose bool) {
	if tx.IsFraud {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	switch result.Verdict {
	case domain.VerdictBlock:
		atomic.AddInt64(&m.Blocked, 1)
	case domain.VerdictFlag:
		atomic.AddInt64(&m.Flagged, 1)
	}
	if result.SequenceDegraded {
		atomic.AddInt64(&m.Degraded, 1)
	}

	predicted := result.Verdict.IsAlert()
	switch {
	case predicted && tx.IsFraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !tx.IsFraud:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !tx.IsFraud:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	if verbose {
		status := "ok "
		if predicted != tx.IsFraud {
			status = "MISS"
		}
		fmt.Printf("%s %-18s | Amount: %12.2f | Fraud: %-5v | Merlin: %-5s (%.3f) | Degraded: %v\n",
			status,
			tx.Request.Transaction.SenderID,
			tx.Request.Transaction.Amount,
			tx.IsFraud,
			result.Verdict,
			result.RiskScore,
			result.SequenceDegraded,
		)
	}
}

func predict(client *http.Client, baseURL string, req *domain.PredictionRequest) (*domain.DecisionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/v1/predict", bytes.NewReader(body))
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
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result domain.DecisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Cold-start:       %d (sequence degraded)\n", m.Degraded)

	fmt.Printf("\nVERDICTS\n")
	fmt.Printf("   BLOCK:  %d\n", m.Blocked)
	fmt.Printf("   FLAG:   %d\n", m.Flagged)

	fmt.Printf("\nCONFUSION MATRIX (alert = FLAG or BLOCK)\n")
	fmt.Println("                     alert      allow")
	fmt.Printf("   Actual fraud   %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   Actual legit   %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
