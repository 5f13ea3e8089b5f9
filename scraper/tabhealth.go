package scraper

import (
	"math"
	"sync"
	"time"
)

// Tab retirement thresholds. A tab is replaced once any one is reached.
const (
	retireErrScore = 3.0
	retireUses     = 50
	retireAge      = 50 * time.Minute
)

type tabStats struct {
	errScore float64
	uses     int
	created  time.Time
}

// tabHealth scores pooled tabs by render outcome. Failures add 1, successes
// take 0.5 off, so a tab that fails repeatedly is retired while an
// occasional failure is forgiven.
type tabHealth[K comparable] struct {
	mu   sync.Mutex
	tabs map[K]*tabStats
	now  func() time.Time
}

func newTabHealth[K comparable]() *tabHealth[K] {
	return &tabHealth[K]{tabs: make(map[K]*tabStats), now: time.Now}
}

// record notes one render on tab and reports whether the tab should be
// retired. Retired tabs are forgotten.
func (h *tabHealth[K]) record(tab K, ok bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, found := h.tabs[tab]
	if !found {
		st = &tabStats{created: h.now()}
		h.tabs[tab] = st
	}
	st.uses++
	if ok {
		st.errScore = math.Max(0, st.errScore-0.5)
	} else {
		st.errScore++
	}

	retire := st.errScore >= retireErrScore ||
		st.uses >= retireUses ||
		h.now().Sub(st.created) >= retireAge
	if retire {
		delete(h.tabs, tab)
	}
	return retire
}

// forget drops a tab that was closed for another reason.
func (h *tabHealth[K]) forget(tab K) {
	h.mu.Lock()
	delete(h.tabs, tab)
	h.mu.Unlock()
}

func (h *tabHealth[K]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tabs)
}
