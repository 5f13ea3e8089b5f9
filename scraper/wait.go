package scraper

import (
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/use-agent/scrapeflow/models"
)

// waitForStrategy blocks until the page is ready to capture according to
// req.Strategy. The page's bound context is the only deadline.
func waitForStrategy(p *rod.Page, req Request, waitIdle func()) error {
	ctx := p.GetContext()

	switch req.Strategy {
	case models.StrategyFixedDelay:
		if err := p.WaitLoad(); err != nil {
			return navigationError("page did not finish loading", err)
		}
		if err := sleepCtx(ctx, req.WaitTime); err != nil {
			return categorizeError(err, models.ErrCodeNavigation, "fixed delay interrupted")
		}
		return nil

	case models.StrategyWaitForElement:
		if err := p.WaitElementsMoreThan(req.Selector, 0); err != nil {
			if ctx.Err() != nil {
				return selectorTimeout(req.Selector, err)
			}
			return navigationError("waiting for selector failed", err)
		}
		return nil

	default:
		if waitIdle != nil {
			waitIdle()
		} else if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
			slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
		}
		if err := ctx.Err(); err != nil {
			return categorizeError(err, models.ErrCodeNavigation, "page never went idle")
		}
		return nil
	}
}
