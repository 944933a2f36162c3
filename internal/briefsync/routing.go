package briefsync

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var monthsByName = map[string]int{
	"january": 1, "jan": 1,
	"february": 2, "feb": 2,
	"march": 3, "mar": 3,
	"april": 4, "apr": 4,
	"may": 5,
	"june": 6, "jun": 6,
	"july": 7, "jul": 7,
	"august": 8, "aug": 8,
	"september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10,
	"november": 11, "nov": 11,
	"december": 12, "dec": 12,
}

var monthNames = [13]string{"",
	"JANUARY", "FEBRUARY", "MARCH", "APRIL", "MAY", "JUNE",
	"JULY", "AUGUST", "SEPTEMBER", "OCTOBER", "NOVEMBER", "DECEMBER",
}

const DefaultFileSuffix = "Experiment Briefings"

var (
	canonicalBatchRe = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
	monthThenYearRe  = regexp.MustCompile(`^([A-Za-z]+)(\d{4})$`)
	yearThenMonthRe  = regexp.MustCompile(`^(\d{4})([A-Za-z]+)$`)
)

// ParseBatchLabel normalizes a free-text batch label to the canonical
// "YYYY-MM" key. It accepts canonical keys, "<Month> <Year>" in either order
// with full or abbreviated month names, and concatenated "<Month><Year>" /
// "<Year><Month>" forms. A bare month name resolves only when an explicit
// year hint is supplied; anything else returns ok=false. The parser never
// guesses.
func ParseBatchLabel(label string, yearHint int) (string, bool) {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "", false
	}

	if m := canonicalBatchRe.FindStringSubmatch(trimmed); m != nil {
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return "", false
		}
		return trimmed, true
	}

	fields := strings.Fields(trimmed)
	switch len(fields) {
	case 1:
		if m := monthThenYearRe.FindStringSubmatch(fields[0]); m != nil {
			return canonicalKey(m[1], m[2])
		}
		if m := yearThenMonthRe.FindStringSubmatch(fields[0]); m != nil {
			return canonicalKey(m[2], m[1])
		}
		if yearHint > 0 {
			return canonicalKey(fields[0], strconv.Itoa(yearHint))
		}
		return "", false
	case 2:
		if key, ok := canonicalKey(fields[0], fields[1]); ok {
			return key, true
		}
		return canonicalKey(fields[1], fields[0])
	default:
		return "", false
	}
}

func canonicalKey(monthToken, yearToken string) (string, bool) {
	month, ok := monthsByName[strings.ToLower(strings.TrimSpace(monthToken))]
	if !ok {
		return "", false
	}
	year, err := strconv.Atoi(strings.TrimSpace(yearToken))
	if err != nil || year < 2000 || year > 2100 {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d", year, month), true
}

// ExpectedFileName derives the displayable target-file name for a canonical
// batch key: "<MONTH> <YYYY> - <suffix>". It is deterministic so an unmapped
// batch still yields a stable name the worker can match against.
func ExpectedFileName(canonical, suffix string) string {
	if suffix == "" {
		suffix = DefaultFileSuffix
	}
	m := canonicalBatchRe.FindStringSubmatch(canonical)
	if m == nil {
		return canonical + " - " + suffix
	}
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return canonical + " - " + suffix
	}
	return fmt.Sprintf("%s %s - %s", monthNames[month], m[1], suffix)
}

type DesignFile struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// FileLister is the optional read-capable design-file client consulted for
// live name matches. Listing is for routing only; document reads stay out of
// this system.
type FileLister interface {
	ListFiles(ctx context.Context) ([]DesignFile, error)
}

type ResolverOptions struct {
	FileSuffix string
	BoardID    string
	FileLister FileLister
	StaticMap  func(canonical string) (string, bool)
	YearHint   int
}

// Resolver turns a free-text batch label into a BatchTarget. File-key
// resolution short-circuits: per-call overrides, then a live listing match,
// then the static map. Board id comes from configuration and is independent
// of file resolution.
type Resolver struct {
	suffix    string
	boardID   string
	lister    FileLister
	staticMap func(canonical string) (string, bool)
	yearHint  int
}

func NewResolver(opts ResolverOptions) *Resolver {
	suffix := strings.TrimSpace(opts.FileSuffix)
	if suffix == "" {
		suffix = DefaultFileSuffix
	}
	return &Resolver{
		suffix:    suffix,
		boardID:   strings.TrimSpace(opts.BoardID),
		lister:    opts.FileLister,
		staticMap: opts.StaticMap,
		yearHint:  opts.YearHint,
	}
}

// Resolve returns nil when the label cannot be parsed; it never guesses. A
// resolved target may still carry an empty FileKey, in which case the worker
// self-identifies candidate jobs by ExpectedFileName.
func (r *Resolver) Resolve(ctx context.Context, label string, overrides map[string]string) *BatchTarget {
	canonical, ok := ParseBatchLabel(label, r.yearHint)
	if !ok {
		return nil
	}
	target := &BatchTarget{
		CanonicalKey:     canonical,
		ExpectedFileName: ExpectedFileName(canonical, r.suffix),
		BoardID:          r.boardID,
	}
	target.FileKey = r.resolveFileKey(ctx, canonical, target.ExpectedFileName, overrides)
	return target
}

func (r *Resolver) resolveFileKey(ctx context.Context, canonical, expectedName string, overrides map[string]string) string {
	if key, ok := lookupFold(overrides, canonical); ok {
		return key
	}
	if r.lister != nil {
		if key := r.matchListing(ctx, expectedName); key != "" {
			return key
		}
	}
	if r.staticMap != nil {
		if key, ok := r.staticMap(canonical); ok {
			return key
		}
	}
	return ""
}

func (r *Resolver) matchListing(ctx context.Context, expectedName string) string {
	files, err := r.lister.ListFiles(ctx)
	if err != nil {
		// Listing is best-effort; the static map still gets a chance.
		return ""
	}
	for _, file := range files {
		if strings.EqualFold(strings.TrimSpace(file.Name), expectedName) {
			return file.Key
		}
	}
	return ""
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if len(m) == 0 {
		return "", false
	}
	if v, ok := m[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	for k, v := range m {
		if strings.EqualFold(strings.TrimSpace(k), key) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
