// Benchmark tool for measuring Spendguard against labeled expense data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/expenses.csv -url http://localhost:8080
//
// The CSV needs a header with the columns user, date, type, amount, category,
// description and is_anomaly. This tool:
//  1. Groups rows by user and sorts each user's rows by date
//  2. Creates one account per user and records every row in order
//  3. Compares the returned verdict with the is_anomaly label
//  4. Prints precision, recall, F1-score and a confusion matrix
//
// Rows for one user are replayed sequentially because each verdict depends on
// the history recorded before it. Workers run different users in parallel.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
)

// LabeledExpense is one row of the benchmark dataset.
type LabeledExpense struct {
	User        string
	Date        time.Time
	Type        string
	Amount      decimal.Decimal
	Category    string
	Description string
	IsAnomaly   bool
}

// recordRequest mirrors POST /transactions.
type recordRequest struct {
	AccountID   string          `json:"accountId"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Date        time.Time       `json:"date"`
}

// recordResponse is the subset of the POST /transactions response we read.
type recordResponse struct {
	Anomaly *struct {
		Confidence int    `json:"confidence"`
		Reason     string `json:"reason"`
	} `json:"anomaly"`
	ScoringError string `json:"scoringError"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Anomaly flagged
	FalsePositives int64 // Normal expense flagged
	TrueNegatives  int64 // Normal expense passed
	FalseNegatives int64 // Anomaly missed

	TotalProcessed int64
	TotalAnomalies int64
	TotalNormal    int64
	TotalErrors    int64
	ScoringErrors  int64

	ProcessingTimeMs int64
}

// Observe adds one labeled outcome to the confusion matrix.
func (m *Metrics) Observe(predicted, actual bool) {
	if actual {
		atomic.AddInt64(&m.TotalAnomalies, 1)
	} else {
		atomic.AddInt64(&m.TotalNormal, 1)
	}

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Scores returns precision, recall, F1 and accuracy.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled expense CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Spendguard base URL")
	userPrefix := flag.String("user-prefix", "bench-", "Prefix added to dataset user IDs")
	limit := flag.Int("limit", 10000, "Maximum rows to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/expenses.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|        SPENDGUARD BENCHMARK - Expense Anomaly Detection       |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:       %s\n", *csvPath)
	fmt.Printf("Spendguard URL: %s\n", *baseURL)
	fmt.Printf("Workers:        %d\n", *workers)
	fmt.Printf("Limit:          %d\n", *limit)
	fmt.Println()

	// Check Spendguard is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Spendguard not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Spendguard is running:")
		fmt.Println("  go run ./cmd/spendguard")
		os.Exit(1)
	}
	fmt.Println("Spendguard is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	rows, err := readExpenses(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}

	byUser := groupByUser(rows, *userPrefix)
	fmt.Printf("Loaded %d rows for %d users\n", len(rows), len(byUser))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(byUser, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	return retry.Do(
		func() error {
			resp, err := http.Get(baseURL + "/health")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
}

// readExpenses parses the dataset. Malformed rows are skipped.
func readExpenses(r io.Reader, limit int) ([]LabeledExpense, error) {
	reader := csv.NewReader(r)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"user", "date", "type", "amount", "category"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []LabeledExpense
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		date, err := time.Parse(time.RFC3339, field(record, "date"))
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(field(record, "amount"))
		if err != nil {
			continue
		}

		label := field(record, "is_anomaly")
		rows = append(rows, LabeledExpense{
			User:        field(record, "user"),
			Date:        date.UTC(),
			Type:        strings.ToUpper(field(record, "type")),
			Amount:      amount,
			Category:    field(record, "category"),
			Description: field(record, "description"),
			IsAnomaly:   label == "1" || strings.EqualFold(label, "true"),
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

// groupByUser orders each user's rows by date.
func groupByUser(rows []LabeledExpense, prefix string) map[string][]LabeledExpense {
	byUser := make(map[string][]LabeledExpense)
	for _, row := range rows {
		user := prefix + row.User
		byUser[user] = append(byUser[user], row)
	}
	for _, list := range byUser {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Date.Before(list[j].Date)
		})
	}
	return byUser
}

func runBenchmark(byUser map[string][]LabeledExpense, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan string, len(byUser))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for user := range work {
				accountID, err := createAccount(client, baseURL, user)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, int64(len(byUser[user])))
					if verbose {
						fmt.Printf("ERROR: account for %s -> %v\n", user, err)
					}
					continue
				}

				for _, row := range byUser[user] {
					replayRow(client, baseURL, user, accountID, row, metrics, verbose)
				}
			}
		}()
	}

	for user := range byUser {
		work <- user
	}
	close(work)

	wg.Wait()

	return metrics
}

func replayRow(client *http.Client, baseURL, user, accountID string, row LabeledExpense, metrics *Metrics, verbose bool) {
	start := time.Now()
	result, err := recordTransaction(client, baseURL, user, recordRequest{
		AccountID:   accountID,
		Type:        row.Type,
		Amount:      row.Amount,
		Category:    row.Category,
		Description: row.Description,
		Date:        row.Date,
	})
	atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
	atomic.AddInt64(&metrics.TotalProcessed, 1)

	if err != nil {
		atomic.AddInt64(&metrics.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR: %s -> %v\n", user, err)
		}
		return
	}
	if result.ScoringError != "" {
		atomic.AddInt64(&metrics.ScoringErrors, 1)
	}

	// Income is never scored and carries no label worth counting.
	if row.Type != "EXPENSE" {
		return
	}

	predicted := result.Anomaly != nil
	metrics.Observe(predicted, row.IsAnomaly)

	if verbose {
		status := "ok "
		if predicted != row.IsAnomaly {
			status = "BAD"
		}
		reason := ""
		if result.Anomaly != nil {
			reason = fmt.Sprintf("%d %s", result.Anomaly.Confidence, result.Anomaly.Reason)
		}
		fmt.Printf("%s %-12s | %-12s | %12s | label: %-5v | %s\n",
			status, user, row.Category, row.Amount.StringFixed(2), row.IsAnomaly, reason)
	}
}

func createAccount(client *http.Client, baseURL, user string) (string, error) {
	var acct struct {
		ID string `json:"id"`
	}
	err := postJSON(client, baseURL+"/accounts", user, map[string]any{
		"name":    "benchmark",
		"balance": "0",
	}, &acct)
	return acct.ID, err
}

func recordTransaction(client *http.Client, baseURL, user string, req recordRequest) (*recordResponse, error) {
	var result recordResponse
	if err := postJSON(client, baseURL+"/transactions", user, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// postJSON retries rate-limited requests until the window frees up.
func postJSON(client *http.Client, url, user string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("X-User-ID", user)

			resp, err := client.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				return errRateLimited
			case resp.StatusCode != http.StatusCreated:
				return retry.Unrecoverable(fmt.Errorf("status %d", resp.StatusCode))
			}
			return json.NewDecoder(resp.Body).Decode(out)
		},
		retry.Attempts(20),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

var errRateLimited = errors.New("rate limited")

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Anomalies:        %d\n", m.TotalAnomalies)
	fmt.Printf("   Normal:           %d\n", m.TotalNormal)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Scoring Errors:   %d\n", m.ScoringErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     PASSED")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  A  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("           N  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	precision, recall, f1, accuracy := m.Scores()

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were labeled anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalNormal > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNormal) * 100
		fmt.Printf("   False Alarms:  %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNormal, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
