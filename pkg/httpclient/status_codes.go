package httpclient

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// statusRange is an inclusive range of HTTP status codes.
type statusRange struct {
	lo, hi int
}

// StatusCodeSet is a set of HTTP status codes built from a spec such as
// "200-299,404". A nil set is empty.
type StatusCodeSet struct {
	codes  map[int]struct{}
	ranges []statusRange
}

// ParseStatusCodes parses a comma separated list of codes and inclusive
// ranges. It returns nil for an empty spec.
func ParseStatusCodes(spec string) (*StatusCodeSet, error) {
	set := &StatusCodeSet{codes: make(map[int]struct{})}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			code, err := parseStatusCode(part)
			if err != nil {
				return nil, err
			}
			set.codes[code] = struct{}{}
			continue
		}

		from, err := parseStatusCode(lo)
		if err != nil {
			return nil, err
		}
		to, err := parseStatusCode(hi)
		if err != nil {
			return nil, err
		}
		if from > to {
			return nil, fmt.Errorf("invalid status code range %q: start is after end", part)
		}
		set.ranges = append(set.ranges, statusRange{lo: from, hi: to})
	}

	if set.IsEmpty() {
		return nil, nil
	}
	return set, nil
}

func parseStatusCode(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid status code %q: %w", s, err)
	}
	if code < 100 || code > 599 {
		return 0, fmt.Errorf("invalid status code %d: must be 100-599", code)
	}
	return code, nil
}

// MustParseStatusCodes is like ParseStatusCodes but panics on error.
func MustParseStatusCodes(spec string) *StatusCodeSet {
	set, err := ParseStatusCodes(spec)
	if err != nil {
		panic(err)
	}
	return set
}

// Contains reports whether code is in the set.
func (s *StatusCodeSet) Contains(code int) bool {
	if s == nil {
		return false
	}
	if _, ok := s.codes[code]; ok {
		return true
	}
	for _, r := range s.ranges {
		if code >= r.lo && code <= r.hi {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set holds no codes.
func (s *StatusCodeSet) IsEmpty() bool {
	return s == nil || (len(s.codes) == 0 && len(s.ranges) == 0)
}

// String renders the set with ranges first and single codes sorted.
func (s *StatusCodeSet) String() string {
	if s.IsEmpty() {
		return ""
	}

	parts := make([]string, 0, len(s.ranges)+len(s.codes))
	for _, r := range s.ranges {
		parts = append(parts, fmt.Sprintf("%d-%d", r.lo, r.hi))
	}

	codes := make([]int, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		parts = append(parts, strconv.Itoa(code))
	}

	return strings.Join(parts, ",")
}
