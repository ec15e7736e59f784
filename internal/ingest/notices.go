package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"listing-gate/internal/metrics"
	"listing-gate/internal/resilience"
)

const (
	upbitNoticeAPI   = "https://api-manager.upbit.com/api/v1/announcements?os=web&page=1&per_page=20&category=all"
	upbitNoticePage  = "https://upbit.com/service_center/notice?id="
	bithumbNoticeURL = "https://feed.bithumb.com/notice"
)

// Notice is one raw announcement.
type Notice struct {
	ID      string
	Title   string
	Content string
	URL     string
}

// NoticeSource fetches the latest announcements of one venue, newest first.
type NoticeSource interface {
	Venue() string
	Fetch(ctx context.Context) ([]Notice, error)
}

// UpbitNotices reads Upbit's announcement API.
type UpbitNotices struct {
	HTTP *resilience.Client
	URL  string
}

func (s *UpbitNotices) Venue() string { return VenueUpbit }

func (s *UpbitNotices) Fetch(ctx context.Context) ([]Notice, error) {
	endpoint := s.URL
	if endpoint == "" {
		endpoint = upbitNoticeAPI
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Notices []struct {
				ID    int64  `json:"id"`
				Title string `json:"title"`
			} `json:"notices"`
		} `json:"data"`
	}
	if err := s.HTTP.GetJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetch upbit notices: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("fetch upbit notices: unsuccessful response")
	}
	out := make([]Notice, 0, len(resp.Data.Notices))
	for _, n := range resp.Data.Notices {
		id := strconv.FormatInt(n.ID, 10)
		out = append(out, Notice{ID: id, Title: n.Title, URL: upbitNoticePage + id})
	}
	return out, nil
}

var (
	nextDataPattern    = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json">(.*?)</script>`)
	inlineNoticeRecord = regexp.MustCompile(`"id":(\d+),"title":"([^"]+)"`)
)

// BithumbNotices reads the notice list embedded in Bithumb's feed page.
type BithumbNotices struct {
	HTTP *resilience.Client
	URL  string
}

func (s *BithumbNotices) Venue() string { return VenueBithumb }

func (s *BithumbNotices) Fetch(ctx context.Context) ([]Notice, error) {
	endpoint := strings.TrimRight(s.URL, "/")
	if endpoint == "" {
		endpoint = bithumbNoticeURL
	}
	page, err := s.HTTP.GetRaw(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch bithumb notices: %w", err)
	}
	return parseBithumbNoticePage(endpoint, page), nil
}

func parseBithumbNoticePage(base string, page []byte) []Notice {
	if m := nextDataPattern.FindSubmatch(page); m != nil {
		var doc struct {
			Props struct {
				PageProps struct {
					NoticeList []bithumbNoticeItem `json:"noticeList"`
					Notices    []bithumbNoticeItem `json:"notices"`
				} `json:"pageProps"`
			} `json:"props"`
		}
		if err := json.Unmarshal(m[1], &doc); err == nil {
			items := doc.Props.PageProps.NoticeList
			if len(items) == 0 {
				items = doc.Props.PageProps.Notices
			}
			if len(items) > 0 {
				out := make([]Notice, 0, len(items))
				for _, it := range items {
					id := it.ID.String()
					out = append(out, Notice{ID: id, Title: it.Title, URL: base + "/" + id})
				}
				return out
			}
		}
	}

	var out []Notice
	for _, m := range inlineNoticeRecord.FindAllSubmatch(page, -1) {
		id := string(m[1])
		out = append(out, Notice{ID: id, Title: string(m[2]), URL: base + "/" + id})
	}
	return out
}

type bithumbNoticeItem struct {
	ID    json.Number `json:"id"`
	Title string      `json:"title"`
}

// NoticePollerOptions tune polling.
type NoticePollerOptions struct {
	Interval time.Duration
	SeenSize int
}

// NoticePoller turns new announcements into listing and event signals.
type NoticePoller struct {
	source   NoticeSource
	parser   *NoticeParser
	detected *DetectedSet
	listings chan<- ListingSignal
	events   chan<- EventSignal
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	seen   *lru.Cache[string, struct{}]
	seeded bool
}

// NewNoticePoller builds a poller. The first poll only seeds the seen set.
func NewNoticePoller(source NoticeSource, parser *NoticeParser, detected *DetectedSet, listings chan<- ListingSignal, events chan<- EventSignal, opts NoticePollerOptions, logger zerolog.Logger) *NoticePoller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.SeenSize <= 0 {
		opts.SeenSize = 1000
	}
	if parser == nil {
		parser = NewNoticeParser()
	}
	if detected == nil {
		detected = NewDetectedSet(0)
	}
	seen, _ := lru.New[string, struct{}](opts.SeenSize)
	return &NoticePoller{
		source:   source,
		parser:   parser,
		detected: detected,
		listings: listings,
		events:   events,
		interval: opts.Interval,
		logger:   logger.With().Str("component", "notice_poller").Str("venue", source.Venue()).Logger(),
		seen:     seen,
	}
}

// Run polls until ctx is cancelled.
func (p *NoticePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		listings, events, err := p.Poll(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("notice poll failed")
		}
		for _, sig := range listings {
			select {
			case p.listings <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, ev := range events {
			select {
			case p.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches once and classifies unseen notices.
func (p *NoticePoller) Poll(ctx context.Context) ([]ListingSignal, []EventSignal, error) {
	notices, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	var fresh []Notice
	for _, n := range notices {
		if n.ID == "" || p.seen.Contains(n.ID) {
			continue
		}
		p.seen.Add(n.ID, struct{}{})
		fresh = append(fresh, n)
	}
	seeding := !p.seeded
	p.seeded = true
	p.mu.Unlock()

	if seeding {
		p.logger.Info().Int("notices", len(fresh)).Msg("seeded seen notices")
		return nil, nil, nil
	}

	var (
		listings []ListingSignal
		events   []EventSignal
		now      = time.Now().UTC()
		venue    = p.source.Venue()
	)
	// oldest first
	for i := len(fresh) - 1; i >= 0; i-- {
		n := fresh[i]
		parsed := p.parser.Parse(venue, n.Title, n.Content)
		if parsed.Category == CategoryListing {
			for _, sym := range parsed.Symbols {
				sig := ListingSignal{
					Symbol:      sym,
					Venue:       venue,
					Origin:      OriginNotice,
					DetectedAt:  now,
					ScheduledAt: parsed.ScheduledAt,
					Confidence:  0.9,
					Title:       n.Title,
				}
				if !p.detected.Mark(sig.Key()) {
					continue
				}
				metrics.ListingSignalsTotal.WithLabelValues(venue, OriginNotice).Inc()
				listings = append(listings, sig)
			}
			continue
		}
		if parsed.Category == CategoryUnknown {
			continue
		}
		metrics.EventSignalsTotal.WithLabelValues(venue, string(parsed.Category)).Inc()
		events = append(events, EventSignal{
			Symbols:    parsed.Symbols,
			Venue:      venue,
			Category:   parsed.Category,
			Severity:   parsed.Severity,
			Action:     parsed.Action,
			Title:      n.Title,
			NoticeID:   n.ID,
			URL:        n.URL,
			DetectedAt: now,
		})
	}
	return listings, events, nil
}
