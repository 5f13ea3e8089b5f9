package models

// JobPage is the response for GET /api/v1/jobs.
type JobPage struct {
	Items []*Job `json:"items"`
	Total int64  `json:"total"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Pages int    `json:"pages"`
}

// CancelResponse is the response for DELETE /api/v1/jobs/:id.
type CancelResponse struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse wraps an ErrorDetail for failed API calls.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status      string    `json:"status"` // "healthy" or "degraded"
	Uptime      string    `json:"uptime"`
	Workers     int       `json:"workers"`
	BusyWorkers int       `json:"busy_workers"`
	QueueDepth  int       `json:"queue_depth"`
	PoolStats   PoolStats `json:"pool_stats"`
	Version     string    `json:"version"`
}

// PoolStats reports the state of the renderer's page pool.
type PoolStats struct {
	Renderer    string `json:"renderer"`
	MaxPages    int    `json:"max_pages"`
	ActivePages int    `json:"active_pages"`
}
