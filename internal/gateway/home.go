package gateway

import (
	"context"

	"golang.org/x/sync/errgroup"

	"tripmind/internal/tripmind"
)

// Home is the dashboard feed. Each half carries its own error; one failing
// does not affect the other.
type Home struct {
	Insight    tripmind.Insight
	InsightErr error

	Alerts    []tripmind.Alert
	AlertsErr error
}

// LoadHome fetches the daily insight and the destination alerts concurrently
// and waits for both to settle.
func (c *Client) LoadHome(ctx context.Context, destination, lang string) Home {
	var (
		h Home
		g errgroup.Group
	)
	g.Go(func() error {
		h.Insight, h.InsightErr = c.GetDailyTravelInsight(ctx, tripmind.InsightParams{Lang: lang})
		return nil
	})
	g.Go(func() error {
		h.Alerts, h.AlertsErr = c.GetSmartAlerts(ctx, tripmind.AlertsParams{Destination: destination, Lang: lang})
		return nil
	})
	_ = g.Wait()

	if h.InsightErr != nil {
		c.log.Warn("home insight unavailable", "lang", lang, "err", h.InsightErr)
	}
	if h.AlertsErr != nil {
		c.log.Warn("home alerts unavailable", "destination", destination, "lang", lang, "err", h.AlertsErr)
	}
	return h
}
