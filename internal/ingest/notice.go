package ingest

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Category classifies an exchange announcement.
type Category string

const (
	CategoryHalt      Category = "halt"
	CategoryDepeg     Category = "depeg"
	CategoryWarning   Category = "warning"
	CategoryMigration Category = "migration"
	CategoryListing   Category = "listing"
	CategoryUnknown   Category = "unknown"
)

// categoryPriority is the total order used when several categories match.
var categoryPriority = []Category{
	CategoryHalt,
	CategoryDepeg,
	CategoryWarning,
	CategoryMigration,
	CategoryListing,
}

// ParsedNotice is the structured form of one announcement.
type ParsedNotice struct {
	Venue       string
	Category    Category
	Severity    string
	Action      string
	Symbols     []string
	ScheduledAt *time.Time
	Title       string
}

var (
	commonKeywords = map[Category][]string{
		CategoryWarning:   {"출금 중단", "입출금 중단", "입금 중단", "지갑 점검", "출금 제한", "입출금 제한", "네트워크 점검"},
		CategoryHalt:      {"거래 중단", "거래 정지", "거래 일시 중단", "매매 중단", "매매 정지"},
		CategoryMigration: {"스왑", "마이그레이션", "전환", "체인 변경", "토큰 전환", "컨트랙트 변경"},
		CategoryDepeg:     {"가격 급락", "이상 거래", "시세 오류", "가격 오류", "급등락"},
	}
	venueKeywords = map[string]map[Category][]string{
		VenueUpbit: {
			CategoryListing:   {"신규 거래", "원화 마켓", "마켓 디지털 자산 추가", "디지털 자산 추가", "신규 상장", "상장"},
			CategoryWarning:   {"입출금 일시 중단"},
			CategoryHalt:      {"거래지원 종료"},
			CategoryMigration: {"네트워크 전환"},
			CategoryDepeg:     {"이상 체결"},
		},
		VenueBithumb: {
			CategoryListing: {"마켓 추가", "신규 상장", "마켓 오픈", "신규", "상장"},
		},
	}

	symbolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\(([A-Z]{2,10})\)`),
		regexp.MustCompile(`([A-Z]{2,10})/KRW`),
		regexp.MustCompile(`([A-Z]{2,10})\s*원화`),
	}
	bithumbSymbolPattern = regexp.MustCompile(`([A-Z]{2,10})_KRW`)

	excludedSymbols = map[string]struct{}{
		"KRW": {}, "USD": {}, "API": {}, "FAQ": {}, "APP": {}, "THE": {}, "FOR": {}, "NFT": {},
		"APY": {}, "APR": {}, "NEW": {}, "VIP": {}, "PRO": {}, "AMA": {}, "IEO": {}, "ICO": {}, "IDO": {},
	}

	pmTime    = regexp.MustCompile(`오후\s*(\d{1,2})시\s*(\d{1,2})?분?`)
	amTime    = regexp.MustCompile(`오전\s*(\d{1,2})시\s*(\d{1,2})?분?`)
	clockTime = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
)

// NoticeParser turns announcement text into a ParsedNotice.
type NoticeParser struct {
	now func() time.Time
}

// NewNoticeParser returns a parser that resolves times against the current KST date.
func NewNoticeParser() *NoticeParser {
	return &NoticeParser{now: time.Now}
}

// Parse classifies title (and content) for venue.
func (p *NoticeParser) Parse(venue, title, content string) ParsedNotice {
	cat := p.classify(venue, title)
	severity, action := categoryOutcome(cat, title+" "+content)
	out := ParsedNotice{
		Venue:    venue,
		Category: cat,
		Severity: severity,
		Action:   action,
		Symbols:  ExtractSymbols(venue, title+" "+content),
		Title:    title,
	}
	if t, ok := p.extractTime(content); ok {
		out.ScheduledAt = &t
	} else if t, ok := p.extractTime(title); ok {
		out.ScheduledAt = &t
	}
	return out
}

func (p *NoticeParser) classify(venue, title string) Category {
	for _, cat := range categoryPriority {
		for _, kw := range keywordsFor(venue, cat) {
			if strings.Contains(title, kw) {
				return cat
			}
		}
	}
	return CategoryUnknown
}

func keywordsFor(venue string, cat Category) []string {
	kws := append([]string(nil), commonKeywords[cat]...)
	return append(kws, venueKeywords[venue][cat]...)
}

func categoryOutcome(cat Category, text string) (severity, action string) {
	switch cat {
	case CategoryHalt:
		return "HIGH", "monitor"
	case CategoryDepeg:
		return "CRITICAL", "alert"
	case CategoryWarning:
		if strings.Contains(text, "출금") {
			return "MEDIUM", "trade"
		}
		return "MEDIUM", "monitor"
	case CategoryMigration:
		return "MEDIUM", "alert"
	case CategoryListing:
		return "LOW", "trade"
	default:
		return "LOW", "none"
	}
}

// ExtractSymbols returns ticker symbols in order of first appearance.
func ExtractSymbols(venue, text string) []string {
	patterns := symbolPatterns
	if venue == VenueBithumb {
		patterns = append(append([]*regexp.Regexp(nil), symbolPatterns...), bithumbSymbolPattern)
	}

	type hit struct {
		pos int
		sym string
	}
	var hits []hit
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{pos: m[2], sym: text[m[2]:m[3]]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]struct{}, len(hits))
	var out []string
	for _, h := range hits {
		if _, bad := excludedSymbols[h.sym]; bad {
			continue
		}
		if _, dup := seen[h.sym]; dup {
			continue
		}
		seen[h.sym] = struct{}{}
		out = append(out, h.sym)
	}
	return out
}

func (p *NoticeParser) extractTime(text string) (time.Time, bool) {
	if text == "" {
		return time.Time{}, false
	}
	if m := pmTime.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h < 12 {
			h += 12
		}
		return p.today(h, atoiOr0(m[2]))
	}
	if m := amTime.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		return p.today(h, atoiOr0(m[2]))
	}
	if m := clockTime.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		return p.today(h, min)
	}
	return time.Time{}, false
}

func (p *NoticeParser) today(hour, minute int) (time.Time, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	now := p.now().In(kst)
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, kst), true
}

func atoiOr0(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
