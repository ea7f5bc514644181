package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
)

// Promoter fetches with a plain HTTP fetcher and re-renders in a browser
// when the heuristic says the page is a script shell.
type Promoter struct {
	primary  crawler.Fetcher
	headless crawler.Fetcher
	detector *Heuristic
	logger   *zap.Logger
}

// NewPromoter wires the two fetchers together. A nil headless fetcher
// makes the promoter a pass-through.
func NewPromoter(primary, headless crawler.Fetcher, detector *Heuristic, logger *zap.Logger) *Promoter {
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoter{primary: primary, headless: headless, detector: detector, logger: logger.Named("promoter")}
}

// Fetch implements crawler.Fetcher. A failed browser render falls back to
// the plain response.
func (p *Promoter) Fetch(ctx context.Context, req crawler.FetchRequest) (*crawler.FetchResponse, error) {
	resp, err := p.primary.Fetch(ctx, req)
	if err != nil || p.headless == nil || !p.detector.ShouldPromote(resp) {
		return resp, err
	}
	metrics.ObserveHeadlessPromotion()
	rendered, herr := p.headless.Fetch(ctx, req)
	if herr != nil {
		p.logger.Warn("headless render failed; using plain response", zap.String("url", req.URL), zap.Error(herr))
		return resp, nil
	}
	return rendered, nil
}
