package models

// SubmitRequest is the request body for POST /api/v1/jobs.
type SubmitRequest struct {
	// URL is the target web page (required, http or https).
	URL string `json:"url" binding:"required"`

	// RenderStrategy: "auto" (default), "fixed_delay" or "wait_for_element".
	RenderStrategy RenderStrategy `json:"render_strategy"`

	// WaitTime is the fixed_delay wait in seconds (0-60).
	WaitTime int `json:"wait_time" binding:"min=0,max=60"`

	// WaitForSelector is the CSS selector awaited by wait_for_element.
	WaitForSelector string `json:"wait_for_selector"`

	// Artifact flags. Omitted flags default to true, except
	// capture_screenshot when the renderer cannot take one.
	ExtractText       *bool `json:"extract_text"`
	ExtractHTML       *bool `json:"extract_html"`
	CaptureScreenshot *bool `json:"capture_screenshot"`
}

// ToSpec applies defaults and returns the normalized JobSpec. screenshot is
// the value used when capture_screenshot is omitted.
func (r *SubmitRequest) ToSpec(screenshot bool) JobSpec {
	spec := JobSpec{
		URL:               r.URL,
		RenderStrategy:    r.RenderStrategy,
		WaitTime:          r.WaitTime,
		WaitForSelector:   r.WaitForSelector,
		ExtractText:       boolOr(r.ExtractText, true),
		ExtractHTML:       boolOr(r.ExtractHTML, true),
		CaptureScreenshot: boolOr(r.CaptureScreenshot, screenshot),
	}
	spec.Normalize()
	return spec
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}
