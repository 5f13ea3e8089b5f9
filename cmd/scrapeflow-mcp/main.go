package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// job mirrors the fields of the scrapeflow job model the tools print.
type job struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	Status          string  `json:"status"`
	RenderStrategy  string  `json:"render_strategy"`
	RetryCount      int     `json:"retry_count"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at"`
	PageTitle       *string `json:"page_title"`
	FinalURL        *string `json:"final_url"`
	HTTPStatus      *int    `json:"http_status"`
	TextContent     *string `json:"text_content"`
	HTMLPath        *string `json:"html_path"`
	ScreenshotPath  *string `json:"screenshot_path"`
	ErrorMessage    *string `json:"error_message"`
	WaitForSelector *string `json:"wait_for_selector"`
}

type jobPage struct {
	Items []job `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int   `json:"pages"`
}

type apiError struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// maxTextPreview caps text_content echoed back to the model.
const maxTextPreview = 8000

func main() {
	apiURL := os.Getenv("SCRAPEFLOW_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("SCRAPEFLOW_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "SCRAPEFLOW_API_KEY is required")
		os.Exit(1)
	}

	c := &client{
		baseURL: strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	s := server.NewMCPServer(
		"scrapeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	submitTool := mcp.NewTool("submit_job",
		mcp.WithDescription("Queue a web page for rendering in a headless browser. Returns the job id immediately; use wait_for_job or get_job to follow it."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The http or https URL to render"),
		),
		mcp.WithString("render_strategy",
			mcp.Description("When to capture: 'auto' (default, network idle), 'fixed_delay' (wait wait_time seconds) or 'wait_for_element' (wait for wait_for_selector)"),
			mcp.Enum("auto", "fixed_delay", "wait_for_element"),
		),
		mcp.WithNumber("wait_time",
			mcp.Description("Seconds to wait for fixed_delay (0-60)"),
			mcp.Min(0),
			mcp.Max(60),
		),
		mcp.WithString("wait_for_selector",
			mcp.Description("CSS selector awaited by wait_for_element"),
		),
		mcp.WithBoolean("extract_text", mcp.Description("Store the visible text (default true)")),
		mcp.WithBoolean("extract_html", mcp.Description("Store the rendered HTML (default true)")),
		mcp.WithBoolean("capture_screenshot", mcp.Description("Store a full-page PNG screenshot (default true)")),
	)
	s.AddTool(submitTool, handleSubmit(c))

	getTool := mcp.NewTool("get_job",
		mcp.WithDescription("Fetch the current state of a scraping job, including extracted text once it has completed."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id returned by submit_job")),
	)
	s.AddTool(getTool, handleGet(c))

	listTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List scraping jobs, newest first."),
		mcp.WithNumber("page", mcp.Description("Page number (default 1)"), mcp.Min(1)),
		mcp.WithNumber("limit", mcp.Description("Jobs per page (default 20, max 100)"), mcp.Min(1), mcp.Max(100)),
		mcp.WithString("status",
			mcp.Description("Only jobs in this status"),
			mcp.Enum("pending", "running", "completed", "failed", "timeout"),
		),
	)
	s.AddTool(listTool, handleList(c))

	cancelTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a job that has not started yet. Running and finished jobs cannot be canceled."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id to cancel")),
	)
	s.AddTool(cancelTool, handleCancel(c))

	waitTool := mcp.NewTool("wait_for_job",
		mcp.WithDescription("Block until a job reaches completed, failed or timeout, then return it."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id to wait for")),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Give up after this many seconds (default 180)"),
			mcp.Min(1),
			mcp.Max(900),
		),
	)
	s.AddTool(waitTool, handleWait(c))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// client calls the scrapeflow REST API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// do sends a request and decodes a 2xx body into out. Error bodies are
// turned into "[CODE] message" errors.
func (c *client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("[%s] %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("API returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *client) getJob(ctx context.Context, id string) (*job, error) {
	var j job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func handleSubmit(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		payload := map[string]any{"url": target}
		if s := request.GetString("render_strategy", ""); s != "" {
			payload["render_strategy"] = s
		}
		if sel := request.GetString("wait_for_selector", ""); sel != "" {
			payload["wait_for_selector"] = sel
		}

		// Only forward flags the caller set so server defaults apply.
		args := request.GetArguments()
		if _, ok := args["wait_time"]; ok {
			payload["wait_time"] = request.GetInt("wait_time", 0)
		}
		for _, flag := range []string{"extract_text", "extract_html", "capture_screenshot"} {
			if _, ok := args[flag]; ok {
				payload[flag] = request.GetBool(flag, true)
			}
		}

		var j job
		if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", payload, &j); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Job %s queued (status: %s) for %s", j.ID, j.Status, j.URL)), nil
	}
}

func handleGet(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		j, err := c.getJob(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatJob(j)), nil
	}
}

func handleList(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := url.Values{}
		q.Set("page", strconv.Itoa(request.GetInt("page", 1)))
		q.Set("limit", strconv.Itoa(request.GetInt("limit", 20)))
		if st := request.GetString("status", ""); st != "" {
			q.Set("status", st)
		}

		var page jobPage
		if err := c.do(ctx, http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil, &page); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Page %d/%d (%d jobs total)\n\n", page.Page, page.Pages, page.Total)
		for _, j := range page.Items {
			fmt.Fprintf(&sb, "%s  %-9s  %s\n", j.ID, j.Status, j.URL)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleCancel(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}

		var resp struct {
			JobID   string `json:"job_id"`
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s: %s (status: %s)", resp.JobID, resp.Message, resp.Status)), nil
	}
}

func handleWait(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		timeout := time.Duration(request.GetInt("timeout_seconds", 180)) * time.Second

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			j, err := c.getJob(ctx, id)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("polling job failed: %v", err)), nil
			}
			if isTerminal(j.Status) {
				return mcp.NewToolResultText(formatJob(j)), nil
			}

			select {
			case <-ctx.Done():
				return mcp.NewToolResultError(fmt.Sprintf("job %s still %s after %s", id, j.Status, timeout)), nil
			case <-ticker.C:
			}
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "timeout":
		return true
	}
	return false
}

func formatJob(j *job) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s: %s\nURL: %s\nStrategy: %s\nRetries: %d\n", j.ID, j.Status, j.URL, j.RenderStrategy, j.RetryCount)
	if j.FinalURL != nil {
		fmt.Fprintf(&sb, "Final URL: %s\n", *j.FinalURL)
	}
	if j.HTTPStatus != nil {
		fmt.Fprintf(&sb, "HTTP status: %d\n", *j.HTTPStatus)
	}
	if j.PageTitle != nil {
		fmt.Fprintf(&sb, "Title: %s\n", *j.PageTitle)
	}
	if j.ErrorMessage != nil {
		fmt.Fprintf(&sb, "Error: %s\n", *j.ErrorMessage)
	}
	if j.HTMLPath != nil {
		fmt.Fprintf(&sb, "HTML: /api/v1/jobs/%s/download/html\n", j.ID)
	}
	if j.ScreenshotPath != nil {
		fmt.Fprintf(&sb, "Screenshot: /api/v1/jobs/%s/download/screenshot\n", j.ID)
	}
	if j.TextContent != nil {
		text := *j.TextContent
		if len(text) > maxTextPreview {
			text = text[:maxTextPreview] + "\n[truncated]"
		}
		fmt.Fprintf(&sb, "\n---\n%s\n", text)
	}
	return sb.String()
}
