package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// CLI flags
var (
	apiURL   = flag.String("api-url", "http://localhost:8080", "scrapeflow API base URL")
	apiKey   = flag.String("api-key", "", "API key for authenticated requests")
	runs     = flag.Int("runs", 3, "Jobs submitted per URL")
	strategy = flag.String("strategy", "auto", "render_strategy for every job")
	timeout  = flag.Duration("timeout", 5*time.Minute, "Give up on a job after this long")
	output   = flag.String("output", "benchmark-results.json", "JSON output file path")
)

// Test URLs covering 5 site types.
var testURLs = []struct {
	Label string
	URL   string
}{
	{"Static", "https://example.com"},
	{"Blog", "https://go.dev/blog/go1.21"},
	{"Docs", "https://go.dev/doc/effective_go"},
	{"News", "https://www.bbc.com/news"},
	{"Complex", "https://github.com/go-rod/rod"},
}

// --- Request / Response types (mirrors models package) ---

type submitRequest struct {
	URL               string `json:"url"`
	RenderStrategy    string `json:"render_strategy"`
	ExtractText       bool   `json:"extract_text"`
	ExtractHTML       bool   `json:"extract_html"`
	CaptureScreenshot bool   `json:"capture_screenshot"`
}

type job struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	PageTitle    *string    `json:"page_title"`
	HTTPStatus   *int       `json:"http_status"`
	TextContent  *string    `json:"text_content"`
	ErrorMessage *string    `json:"error_message"`
}

// --- Benchmark result types ---

type runResult struct {
	Run        int    `json:"run"`
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	QueueMs    int64  `json:"queue_ms"`
	RenderMs   int64  `json:"render_ms"`
	TotalMs    int64  `json:"total_ms"`
	Retries    int    `json:"retries"`
	TextLength int    `json:"text_length"`
	HTTPStatus int    `json:"http_status"`
	HasTitle   bool   `json:"has_title"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type urlAverages struct {
	QueueMs    float64 `json:"queue_ms"`
	RenderMs   float64 `json:"render_ms"`
	TotalMs    float64 `json:"total_ms"`
	TextLength float64 `json:"text_length"`
}

type urlResult struct {
	URL      string       `json:"url"`
	Label    string       `json:"label"`
	Runs     []runResult  `json:"runs"`
	Averages *urlAverages `json:"averages,omitempty"`
}

type benchmarkReport struct {
	Timestamp  string      `json:"timestamp"`
	APIURL     string      `json:"api_url"`
	Strategy   string      `json:"strategy"`
	RunsPerURL int         `json:"runs_per_url"`
	WallMs     int64       `json:"wall_ms"`
	Results    []urlResult `json:"results"`
}

var client = &http.Client{Timeout: 30 * time.Second}

func main() {
	flag.Parse()

	fmt.Println("=== scrapeflow Benchmark Suite ===")
	fmt.Printf("API URL:   %s\n", *apiURL)
	fmt.Printf("Strategy:  %s\n", *strategy)
	fmt.Printf("Runs/URL:  %d\n", *runs)
	fmt.Printf("Output:    %s\n", *output)
	fmt.Println()

	// Quick connectivity check.
	if err := checkAPI(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure scrapeflow is running (e.g. go run ./cmd/scrapeflow)\n")
		os.Exit(1)
	}

	report := benchmarkReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		APIURL:     *apiURL,
		Strategy:   *strategy,
		RunsPerURL: *runs,
		Results:    make([]urlResult, len(testURLs)),
	}

	// Every job is submitted up front so the worker pool sees real
	// queueing; each one is then followed by its own poller.
	start := time.Now()
	var wg sync.WaitGroup
	for i, t := range testURLs {
		report.Results[i] = urlResult{URL: t.URL, Label: t.Label, Runs: make([]runResult, *runs)}
		for r := 1; r <= *runs; r++ {
			wg.Add(1)
			go func(i, r int, url string) {
				defer wg.Done()
				report.Results[i].Runs[r-1] = benchmarkJob(url, r)
			}(i, r, t.URL)
		}
	}
	wg.Wait()
	report.WallMs = time.Since(start).Milliseconds()

	for i := range report.Results {
		ur := &report.Results[i]
		fmt.Printf("[%s] %s\n", ur.Label, ur.URL)
		for _, rr := range ur.Runs {
			if rr.Success {
				fmt.Printf("  Run %d: OK  queue %dms  render %dms  retries %d\n", rr.Run, rr.QueueMs, rr.RenderMs, rr.Retries)
			} else {
				fmt.Printf("  Run %d: %s: %s\n", rr.Run, strings.ToUpper(rr.Status), rr.Error)
			}
		}
		ur.Averages = computeAverages(ur.Runs)
	}
	fmt.Println()

	// Print summary table.
	printTable(report.Results)
	fmt.Printf("Wall clock: %dms for %d jobs\n", report.WallMs, len(testURLs)**runs)

	// Write JSON report.
	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func checkAPI(baseURL string) error {
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func newRequest(method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequest(method, *apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}
	return req, nil
}

// benchmarkJob submits one job and polls it until a terminal status.
func benchmarkJob(url string, run int) runResult {
	rr := runResult{Run: run}

	bodyBytes, err := json.Marshal(submitRequest{
		URL:            url,
		RenderStrategy: *strategy,
		ExtractText:    true,
		ExtractHTML:    true,
	})
	if err != nil {
		rr.Error = fmt.Sprintf("marshal error: %v", err)
		return rr
	}

	req, err := newRequest(http.MethodPost, "/api/v1/jobs", bodyBytes)
	if err != nil {
		rr.Error = fmt.Sprintf("request error: %v", err)
		return rr
	}
	resp, err := client.Do(req)
	if err != nil {
		rr.Error = fmt.Sprintf("submit failed: %v", err)
		return rr
	}
	var j job
	err = json.NewDecoder(resp.Body).Decode(&j)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusCreated {
		rr.Error = fmt.Sprintf("submit returned HTTP %d", resp.StatusCode)
		return rr
	}
	rr.JobID = j.ID

	deadline := time.Now().Add(*timeout)
	for !isTerminal(j.Status) {
		if time.Now().After(deadline) {
			rr.Status = j.Status
			rr.Error = "gave up waiting"
			return rr
		}
		time.Sleep(500 * time.Millisecond)

		req, err := newRequest(http.MethodGet, "/api/v1/jobs/"+j.ID, nil)
		if err != nil {
			rr.Error = fmt.Sprintf("request error: %v", err)
			return rr
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		_ = json.NewDecoder(resp.Body).Decode(&j)
		resp.Body.Close()
	}

	rr.Status = j.Status
	rr.Retries = j.RetryCount
	rr.Success = j.Status == "completed"
	if j.CompletedAt != nil {
		rr.TotalMs = j.CompletedAt.Sub(j.CreatedAt).Milliseconds()
	}
	if j.StartedAt != nil {
		rr.QueueMs = j.StartedAt.Sub(j.CreatedAt).Milliseconds()
		if j.CompletedAt != nil {
			rr.RenderMs = j.CompletedAt.Sub(*j.StartedAt).Milliseconds()
		}
	}
	if j.HTTPStatus != nil {
		rr.HTTPStatus = *j.HTTPStatus
	}
	if j.TextContent != nil {
		rr.TextLength = len(*j.TextContent)
	}
	rr.HasTitle = j.PageTitle != nil && *j.PageTitle != ""
	if j.ErrorMessage != nil {
		rr.Error = *j.ErrorMessage
	}
	return rr
}

func isTerminal(status string) bool {
	return status == "completed" || status == "failed" || status == "timeout"
}

func computeAverages(runs []runResult) *urlAverages {
	var successCount int
	var avg urlAverages

	for _, r := range runs {
		if !r.Success {
			continue
		}
		successCount++
		avg.QueueMs += float64(r.QueueMs)
		avg.RenderMs += float64(r.RenderMs)
		avg.TotalMs += float64(r.TotalMs)
		avg.TextLength += float64(r.TextLength)
	}

	if successCount == 0 {
		return nil
	}

	n := float64(successCount)
	avg.QueueMs /= n
	avg.RenderMs /= n
	avg.TotalMs /= n
	avg.TextLength /= n
	return &avg
}

func printTable(results []urlResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "URL\tAvg Queue\tAvg Render\tText Len\tHTTP\tOK\n")
	fmt.Fprintf(w, "───\t─────────\t──────────\t────────\t────\t──\n")

	for _, r := range results {
		ok := 0
		for _, run := range r.Runs {
			if run.Success {
				ok++
			}
		}
		if r.Averages == nil {
			fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\t0/%d\n", truncateURL(r.URL, 40), len(r.Runs))
			continue
		}

		fmt.Fprintf(w, "%s\t%dms\t%dms\t%s\t%d\t%d/%d\n",
			truncateURL(r.URL, 40),
			int64(r.Averages.QueueMs),
			int64(r.Averages.RenderMs),
			formatInt(int(r.Averages.TextLength)),
			dominantStatus(r.Runs),
			ok, len(r.Runs),
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func dominantStatus(runs []runResult) int {
	counts := map[int]int{}
	for _, r := range runs {
		if r.Success {
			counts[r.HTTPStatus]++
		}
	}
	best, bestCount := 0, 0
	for code, count := range counts {
		if count > bestCount {
			best = code
			bestCount = count
		}
	}
	return best
}

func truncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	return u[:max-3] + "..."
}

func formatInt(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
