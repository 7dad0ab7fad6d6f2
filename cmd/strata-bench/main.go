// Command strata-bench drives a running node over its HTTP API and reports
// write, point-read and scan throughput with latency bounds.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// Wire shapes of the node's write and scan endpoints.
type writeRow struct {
	Series    string `json:"series"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value,omitempty"`
}

type writeRequest struct {
	Rows []writeRow `json:"rows"`
}

type scanRequest struct {
	Series string `json:"series,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	var (
		baseURL     = flag.String("addr", "http://localhost:8080", "base URL of the node under test")
		table       = flag.String("table", "", "table to benchmark against (default: fresh bench_* table, dropped afterwards)")
		ops         = flag.Int("ops", 1000, "operations per phase")
		concurrency = flag.Int("concurrency", 10, "concurrent goroutines per phase")
		batchRows   = flag.Int("batch", 10, "rows per write operation")
		seriesCount = flag.Int("series", 100, "distinct series names to spread rows over")
	)
	flag.Parse()

	fmt.Println("=== strata benchmark ===")
	fmt.Printf("Target: %s\n\n", *baseURL)

	if !checkHealth(*baseURL) {
		fmt.Printf("ERROR: node %s is not available\n", *baseURL)
		os.Exit(1)
	}

	tableName := *table
	ephemeral := tableName == ""
	if ephemeral {
		tableName = "bench_" + uuid.NewString()[:8]
	}
	if err := createTable(*baseURL, tableName); err != nil {
		fmt.Printf("ERROR: create table %s: %v\n", tableName, err)
		os.Exit(1)
	}
	fmt.Printf("Table: %s\n\n", tableName)

	totalRows := *ops * *batchRows

	fmt.Printf("Phase 1: Writes (%d ops x %d rows, %d goroutines)\n", *ops, *batchRows, *concurrency)
	writeResult := runPhase(*ops, *concurrency, func(i int) error {
		return writeBatch(*baseURL, tableName, i, *batchRows, *seriesCount)
	})
	printResult(writeResult)

	fmt.Printf("\nPhase 2: Point reads (%d ops, %d goroutines)\n", *ops, *concurrency)
	readResult := runPhase(*ops, *concurrency, func(i int) error {
		row := (i * *batchRows) % totalRows
		return getRow(*baseURL, tableName, row, *seriesCount)
	})
	printResult(readResult)

	fmt.Printf("\nPhase 3: Series scans (%d ops, %d goroutines)\n", *ops, *concurrency)
	scanResult := runPhase(*ops, *concurrency, func(i int) error {
		return scanSeries(*baseURL, tableName, i%*seriesCount, 100)
	})
	printResult(scanResult)

	if ephemeral {
		if err := dropTable(*baseURL, tableName); err != nil {
			fmt.Printf("WARNING: drop table %s: %v\n", tableName, err)
		}
	}
	fmt.Println("\n=== benchmark complete ===")
}

// runPhase spreads totalOps over the goroutines and collects per-op
// latencies; op indexes are unique across goroutines.
func runPhase(totalOps, concurrency int, op func(i int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	next := 0
	for g := 0; g < concurrency; g++ {
		ops := opsPerGoroutine
		if g < remainder {
			ops++
		}
		first := next
		next += ops

		wg.Add(1)
		go func(first, ops int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(first + j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(first, ops)
	}

	wg.Wait()
	duration := time.Since(start)

	var min, max, sum time.Duration
	if len(latencies) > 0 {
		min, max = latencies[0], latencies[0]
		for _, lat := range latencies {
			if lat < min {
				min = lat
			}
			if lat > max {
				max = lat
			}
			sum += lat
		}
	}
	var avg time.Duration
	if len(latencies) > 0 {
		avg = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avg,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func createTable(baseURL, table string) error {
	req, err := http.NewRequest(http.MethodPut, baseURL+"/tables/"+table, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	// Reusing an existing table is fine for repeated runs.
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("unexpected status: %d", resp.StatusCode)
}

func dropTable(baseURL, table string) error {
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/tables/"+table, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

// writeBatch writes rows batch*op..batch*op+batch-1; row r lands in series
// bench_{r mod seriesCount} at timestamp r, so reads can find it again.
func writeBatch(baseURL, table string, op, batch, seriesCount int) error {
	rows := make([]writeRow, 0, batch)
	for j := 0; j < batch; j++ {
		r := op*batch + j
		rows = append(rows, writeRow{
			Series:    fmt.Sprintf("bench_%03d", r%seriesCount),
			Timestamp: int64(r),
			Value:     fmt.Sprintf("v_%d_%d", r, time.Now().UnixNano()),
		})
	}
	body, err := json.Marshal(writeRequest{Rows: rows})
	if err != nil {
		return err
	}
	return post(baseURL+"/tables/"+table+"/write", body)
}

func getRow(baseURL, table string, row, seriesCount int) error {
	series := fmt.Sprintf("bench_%03d", row%seriesCount)
	url := fmt.Sprintf("%s/tables/%s/rows/%s?ts=%d", baseURL, table, series, row)
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func scanSeries(baseURL, table string, series, limit int) error {
	body, err := json.Marshal(scanRequest{
		Series: fmt.Sprintf("bench_%03d", series),
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	return post(baseURL+"/tables/"+table+"/scan", body)
}

func post(url string, body []byte) error {
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
