package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/resilience"
)

type stubNotices struct {
	venue  string
	rounds [][]Notice
	calls  int
}

func (s *stubNotices) Venue() string { return s.venue }

func (s *stubNotices) Fetch(context.Context) ([]Notice, error) {
	i := s.calls
	if i >= len(s.rounds) {
		i = len(s.rounds) - 1
	}
	s.calls++
	return s.rounds[i], nil
}

func TestNoticePollerSeedsThenClassifies(t *testing.T) {
	old := Notice{ID: "1", Title: "신규 거래지원 안내 (OLD)"}
	src := &stubNotices{venue: VenueUpbit, rounds: [][]Notice{
		{old},
		{
			{ID: "3", Title: "에이비씨(ABC) 입출금 일시 중단 안내"},
			{ID: "2", Title: "[거래] 신규 거래지원 안내 (NEW)"},
			old,
		},
	}}
	detected := NewDetectedSet(time.Hour)
	p := NewNoticePoller(src, nil, detected, nil, nil, NoticePollerOptions{}, zerolog.Nop())

	listings, events, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listings)
	assert.Empty(t, events)

	listings, events, err = p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "NEW", listings[0].Symbol)
	assert.Equal(t, OriginNotice, listings[0].Origin)
	assert.InDelta(t, 0.9, listings[0].Confidence, 1e-9)
	assert.True(t, detected.Seen("NEW@upbit"))

	require.Len(t, events, 1)
	assert.Equal(t, CategoryWarning, events[0].Category)
	assert.Equal(t, []string{"ABC"}, events[0].Symbols)
	assert.Equal(t, "3", events[0].NoticeID)
}

func TestNoticePollerSkipsAlreadyDetectedListing(t *testing.T) {
	src := &stubNotices{venue: VenueBithumb, rounds: [][]Notice{
		{},
		{{ID: "9", Title: "(XYZ) 원화 마켓 추가"}},
	}}
	detected := NewDetectedSet(time.Hour)
	detected.Mark("XYZ@bithumb")
	p := NewNoticePoller(src, nil, detected, nil, nil, NoticePollerOptions{}, zerolog.Nop())

	_, _, _ = p.Poll(context.Background())
	listings, _, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestUpbitNoticesFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"notices":[{"id":4821,"title":"신규 거래지원 안내 (ABC)"}]}}`))
	}))
	defer srv.Close()

	client := resilience.NewClient(resilience.ClientOptions{RatePerSecond: 1000, Burst: 100}, nil, zerolog.Nop())
	notices, err := (&UpbitNotices{HTTP: client, URL: srv.URL}).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, "4821", notices[0].ID)
	assert.Contains(t, notices[0].URL, "id=4821")
}

func TestParseBithumbNoticePage(t *testing.T) {
	page := []byte(`<html><script id="__NEXT_DATA__" type="application/json">` +
		`{"props":{"pageProps":{"noticeList":[{"id":1501,"title":"[마켓 추가] (ABC)"}]}}}` +
		`</script></html>`)
	got := parseBithumbNoticePage("https://feed.bithumb.com/notice", page)
	require.Len(t, got, 1)
	assert.Equal(t, "1501", got[0].ID)
	assert.Equal(t, "https://feed.bithumb.com/notice/1501", got[0].URL)

	fallback := parseBithumbNoticePage("b", []byte(`..."id":77,"title":"(DEF) 신규 상장"...`))
	require.Len(t, fallback, 1)
	assert.Equal(t, "(DEF) 신규 상장", fallback[0].Title)
}
