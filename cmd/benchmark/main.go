// Benchmark tool for replaying exported visit records against Kasan.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/visits.csv -url http://localhost:8080
//
// This tool:
//   1. Reads an exported visit history CSV (with biller-approved point totals)
//   2. Sends each visit to Kasan for evaluation
//   3. Compares Kasan's computed total with the approved total
//   4. Reports match rate, point deltas, and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// VisitRow represents a row from the exported visit history.
type VisitRow struct {
	VisitID           string
	PatientID         string
	StartTime         time.Time
	DurationMinutes   int
	InsuranceType     string
	IsSecondVisit     bool
	IsEmergency       bool
	IsTerminalCare    bool
	MultipleNurses    bool
	BirthDate         time.Time
	BuildingOccupancy int
	SequenceInDay     int
	ExpectedPoints    int
}

// EvaluateRequest is the Kasan API request format.
type EvaluateRequest struct {
	Visit    Visit    `json:"visit"`
	Patient  Patient  `json:"patient"`
	Schedule Schedule `json:"schedule"`
}

type Visit struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patientId"`
	StartTime       time.Time `json:"startTime"`
	DurationMinutes int       `json:"durationMinutes"`
	InsuranceType   string    `json:"insuranceType"`
	IsSecondVisit   bool      `json:"isSecondVisit"`
	IsEmergency     bool      `json:"isEmergency"`
	IsTerminalCare  bool      `json:"isTerminalCare"`
	MultipleNurses  bool      `json:"multipleNurses"`
}

type Patient struct {
	ID                string    `json:"id"`
	BirthDate         time.Time `json:"birthDate"`
	BuildingOccupancy int       `json:"buildingOccupancy,omitempty"`
}

type Schedule struct {
	SequenceInDay int `json:"sequenceInDay,omitempty"`
}

// EvaluateResponse is the Kasan API response format.
type EvaluateResponse struct {
	EvaluationID string `json:"evaluationId"`
	TotalPoints  int    `json:"totalPoints"`
	Applied      []struct {
		Code   string `json:"code"`
		Points int    `json:"points"`
	} `json:"applied"`
	Warnings []string `json:"warnings"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Matches        int64 // Computed total equals approved total
	Mismatches     int64 // Computed total differs
	OverBilled     int64 // Computed > approved
	UnderBilled    int64 // Computed < approved
	PointsComputed int64
	PointsApproved int64

	TotalProcessed int64
	TotalWarnings  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to exported visit history CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kasan base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum visits to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each visit result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/visits.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KASAN BENCHMARK - Visit History Replay               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:   %s\n", *csvPath)
	fmt.Printf("Kasan URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:  %s\n", *tenantID)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Limit:      %d\n", *limit)
	fmt.Println()

	// Check Kasan is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kasan not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kasan is running:")
		fmt.Println("  go run cmd/kasan/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kasan is healthy")

	// Read visit history
	fmt.Printf("\nReading visit history from %s...\n", *csvPath)
	visits, err := readVisitCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d visits\n", len(visits))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(visits, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readVisitCSV(path string, limit int) ([]VisitRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var visits []VisitRow

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		startTime, err := time.Parse(time.RFC3339, record[colIndex["start_time"]])
		if err != nil {
			continue
		}
		birthDate, _ := time.Parse("2006-01-02", record[colIndex["birth_date"]])

		duration, _ := strconv.Atoi(record[colIndex["duration_minutes"]])
		occupancy, _ := strconv.Atoi(record[colIndex["building_occupancy"]])
		sequence, _ := strconv.Atoi(record[colIndex["sequence_in_day"]])
		expected, _ := strconv.Atoi(record[colIndex["expected_points"]])

		row := VisitRow{
			VisitID:           record[colIndex["visit_id"]],
			PatientID:         record[colIndex["patient_id"]],
			StartTime:         startTime,
			DurationMinutes:   duration,
			InsuranceType:     record[colIndex["insurance_type"]],
			IsSecondVisit:     record[colIndex["is_second_visit"]] == "1",
			IsEmergency:       record[colIndex["is_emergency"]] == "1",
			IsTerminalCare:    record[colIndex["is_terminal_care"]] == "1",
			MultipleNurses:    record[colIndex["multiple_nurses"]] == "1",
			BirthDate:         birthDate,
			BuildingOccupancy: occupancy,
			SequenceInDay:     sequence,
			ExpectedPoints:    expected,
		}

		visits = append(visits, row)

		if limit > 0 && len(visits) >= limit {
			break
		}
	}

	return visits, nil
}

func runBenchmark(visits []VisitRow, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan VisitRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := evaluateVisit(client, baseURL, tenantID, row)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.VisitID, err)
					}
					continue
				}

				atomic.AddInt64(&metrics.PointsComputed, int64(result.TotalPoints))
				atomic.AddInt64(&metrics.PointsApproved, int64(row.ExpectedPoints))
				atomic.AddInt64(&metrics.TotalWarnings, int64(len(result.Warnings)))

				switch {
				case result.TotalPoints == row.ExpectedPoints:
					atomic.AddInt64(&metrics.Matches, 1)
				case result.TotalPoints > row.ExpectedPoints:
					atomic.AddInt64(&metrics.Mismatches, 1)
					atomic.AddInt64(&metrics.OverBilled, 1)
				default:
					atomic.AddInt64(&metrics.Mismatches, 1)
					atomic.AddInt64(&metrics.UnderBilled, 1)
				}

				if verbose {
					status := "✓"
					if result.TotalPoints != row.ExpectedPoints {
						status = "✗"
					}
					codes := make([]string, len(result.Applied))
					for i, a := range result.Applied {
						codes[i] = a.Code
					}
					fmt.Printf("%s %-16s | %s | expected: %5d | computed: %5d | applied: %s\n",
						status,
						row.VisitID,
						row.StartTime.Format("2006-01-02 15:04"),
						row.ExpectedPoints,
						result.TotalPoints,
						strings.Join(codes, ","),
					)
				}
			}
		}()
	}

	// Send work
	for _, row := range visits {
		work <- row
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func evaluateVisit(client *http.Client, baseURL, tenantID string, row VisitRow) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		Visit: Visit{
			ID:              row.VisitID,
			PatientID:       row.PatientID,
			StartTime:       row.StartTime,
			DurationMinutes: row.DurationMinutes,
			InsuranceType:   row.InsuranceType,
			IsSecondVisit:   row.IsSecondVisit,
			IsEmergency:     row.IsEmergency,
			IsTerminalCare:  row.IsTerminalCare,
			MultipleNurses:  row.MultipleNurses,
		},
		Patient: Patient{
			ID:                row.PatientID,
			BirthDate:         row.BirthDate,
			BuildingOccupancy: row.BuildingOccupancy,
		},
		Schedule: Schedule{
			SequenceInDay: row.SequenceInDay,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Warnings:         %d\n", m.TotalWarnings)

	fmt.Printf("\n🧮 BILLING ACCURACY\n")
	fmt.Printf("   Matches:          %d\n", m.Matches)
	fmt.Printf("   Mismatches:       %d (over: %d, under: %d)\n", m.Mismatches, m.OverBilled, m.UnderBilled)

	evaluated := m.Matches + m.Mismatches
	if evaluated > 0 {
		matchRate := float64(m.Matches) / float64(evaluated) * 100
		fmt.Printf("   Match Rate:       %.2f%%\n", matchRate)
	}
	fmt.Printf("   Points Computed:  %d\n", m.PointsComputed)
	fmt.Printf("   Points Approved:  %d\n", m.PointsApproved)
	if m.PointsApproved > 0 {
		delta := m.PointsComputed - m.PointsApproved
		fmt.Printf("   Net Delta:        %+d (%.4f%%)\n", delta, 100*float64(delta)/float64(m.PointsApproved))
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		vps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f visits/sec\n", vps)
	}

	// Interpretation
	if evaluated > 0 {
		matchRate := float64(m.Matches) / float64(evaluated)
		fmt.Printf("\n💡 INTERPRETATION\n")
		switch {
		case matchRate >= 0.99:
			fmt.Println("   ✅ Catalog reproduces approved billing")
		case matchRate >= 0.9:
			fmt.Println("   ⚠️  Small drift - review mismatched visits")
		default:
			fmt.Println("   ❌ Significant drift - catalog or data needs review")
		}
	}

	fmt.Println()
}
