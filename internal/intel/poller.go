package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"webcontent/reputation-service/internal/circuitbreaker"
	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/metrics"
)

// maxPagesPerPoll bounds how far one poll follows "more".
const maxPagesPerPoll = 20

// Importer applies peer indicators locally. *webcontent.Service satisfies it.
type Importer interface {
	Block(ctx context.Context, c content.Content, creator string) (*kb.Indicator, error)
	Unblock(ctx context.Context, c content.Content, creator string) (*kb.Indicator, error)
}

// PeerConfig describes one upstream collection.
type PeerConfig struct {
	Name         string
	CollectionID string
	Interval     time.Duration
	// Creator is the identity imported blocks are attributed to.
	Creator string
	// Self is this service's own identity; objects it authored are echoes
	// of our own publications and are skipped.
	Self string
}

// PollResult counts what one poll did.
type PollResult struct {
	Blocked   int
	Unblocked int
	Skipped   int
	Failed    int
}

// Poller follows a peer's TAXII collection and mirrors its blocks.
type Poller struct {
	client   *TAXIIClient
	importer Importer
	peer     PeerConfig
	breaker  *circuitbreaker.CircuitBreaker
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	watermark time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPoller(client *TAXIIClient, importer Importer, peer PeerConfig, breaker *circuitbreaker.CircuitBreaker, logger zerolog.Logger) *Poller {
	if peer.Interval <= 0 {
		peer.Interval = 5 * time.Minute
	}
	return &Poller{
		client:   client,
		importer: importer,
		peer:     peer,
		breaker:  breaker,
		logger:   logger.With().Str("peer", peer.Name).Logger(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start polls until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.peer.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}
	}
}

// Stop is idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Watermark is the added time up to which the peer has been imported.
func (p *Poller) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

func (p *Poller) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := p.Poll(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("taxii poll failed")
		return
	}
	if res.Blocked+res.Unblocked > 0 {
		p.logger.Info().
			Int("blocked", res.Blocked).
			Int("unblocked", res.Unblocked).
			Int("skipped", res.Skipped).
			Msg("imported indicators")
	}
}

// Poll fetches everything added since the watermark and imports it. The
// watermark only advances past pages that imported cleanly, so a failed
// import is retried on the next poll.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var total PollResult
	for i := 0; i < maxPagesPerPoll; i++ {
		started := p.now()
		page, err := p.fetch(ctx, p.Watermark())
		if err != nil {
			return total, fmt.Errorf("fetch %s: %w", p.peer.Name, err)
		}

		indicators, skipped, err := ParseBundle(page.Body)
		if err != nil {
			return total, err
		}
		total.Skipped += skipped
		metrics.TAXIIImported.WithLabelValues(p.peer.Name, "skipped").Add(float64(skipped))

		res := p.importAll(ctx, indicators)
		total.Blocked += res.Blocked
		total.Unblocked += res.Unblocked
		total.Skipped += res.Skipped
		total.Failed += res.Failed
		if res.Failed > 0 {
			return total, fmt.Errorf("%d of %d indicators from %s failed to import", res.Failed, len(indicators), p.peer.Name)
		}

		var env struct {
			More bool `json:"more"`
		}
		_ = json.Unmarshal(page.Body, &env)

		switch {
		case !page.AddedLast.IsZero():
			p.setWatermark(page.AddedLast)
		case !env.More:
			p.setWatermark(started)
		}
		if !env.More || page.AddedLast.IsZero() {
			return total, nil
		}
	}
	return total, nil
}

func (p *Poller) fetch(ctx context.Context, after time.Time) (*ObjectsPage, error) {
	var page *ObjectsPage
	call := func() error {
		var err error
		page, err = p.client.FetchObjects(ctx, p.peer.CollectionID, after)
		return err
	}
	if p.breaker == nil {
		err := call()
		return page, err
	}
	if err := p.breaker.Execute(call); err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("peer unavailable: %w", err)
		}
		return nil, err
	}
	return page, nil
}

func (p *Poller) importAll(ctx context.Context, indicators []*Indicator) PollResult {
	var res PollResult
	now := p.now()
	for _, ind := range indicators {
		result, err := p.importOne(ctx, ind, now)
		if err != nil {
			p.logger.Error().Err(err).Str("content", ind.Content.String()).Msg("import failed")
			result = "error"
		}
		metrics.TAXIIImported.WithLabelValues(p.peer.Name, result).Inc()
		switch result {
		case "blocked":
			res.Blocked++
		case "unblocked":
			res.Unblocked++
		case "skipped":
			res.Skipped++
		default:
			res.Failed++
		}
	}
	return res
}

func (p *Poller) importOne(ctx context.Context, ind *Indicator, now time.Time) (string, error) {
	if p.peer.Self != "" && ind.CreatedBy == p.peer.Self {
		return "skipped", nil
	}
	if ind.Revoked {
		if _, err := p.importer.Unblock(ctx, ind.Content, p.peer.Creator); err != nil {
			return "", err
		}
		return "unblocked", nil
	}
	if !ind.IsActive(now) {
		return "skipped", nil
	}
	if _, err := p.importer.Block(ctx, ind.Content, p.peer.Creator); err != nil {
		return "", err
	}
	return "blocked", nil
}

func (p *Poller) setWatermark(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.watermark) {
		p.watermark = t
	}
}
