package fetch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/telarc/telarc"
)

// TimeParser converts an external time string to mission seconds. The
// default parser accepts bare numbers; installations plug in their date
// library for the richer formats.
type TimeParser func(s string) (float64, error)

func parseSecs(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

type badEntry struct {
	pattern string
	start   float64
	stop    float64
}

// BadTimes is a registry of (MSID-or-glob, tstart, tstop) exclusions. It is
// a user policy overlay: filtering a result removes matching samples but
// never alters stored data. Mutation must be serialized by the caller and
// never performed during a fetch.
type BadTimes struct {
	mu      sync.RWMutex
	parse   TimeParser
	entries []badEntry
}

// NewBadTimes returns an empty registry. A nil parser accepts bare-number
// time strings only.
func NewBadTimes(parse TimeParser) *BadTimes {
	if parse == nil {
		parse = parseSecs
	}
	return &BadTimes{parse: parse}
}

// Add registers one exclusion for an MSID name or glob pattern.
func (b *BadTimes) Add(pattern string, start, stop float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, badEntry{telarc.CanonicalName(pattern), start, stop})
}

// Read loads whitespace-separated records, one per line:
//
//	MSID_or_glob  tstart  tstop
//
// Lines beginning with # and blank lines are ignored.
func (b *BadTimes) Read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return fmt.Errorf("bad times line %d: expected 3 fields, got %d", line, len(fields))
		}
		start, err := b.parse(fields[1])
		if err != nil {
			return fmt.Errorf("bad times line %d: %w", line, err)
		}
		stop, err := b.parse(fields[2])
		if err != nil {
			return fmt.Errorf("bad times line %d: %w", line, err)
		}
		b.Add(fields[0], start, stop)
	}
	return scanner.Err()
}

// ReadFile loads a bad-times table from a file.
func (b *BadTimes) ReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return b.Read(f)
}

// Clear removes every registered exclusion.
func (b *BadTimes) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// IntervalsFor returns the exclusions whose pattern matches the MSID.
func (b *BadTimes) IntervalsFor(msid string) []Interval {
	msid = telarc.CanonicalName(msid)
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Interval
	for _, e := range b.entries {
		if e.pattern == msid || (hasGlobMeta(e.pattern) && matchMSID(e.pattern, msid)) ||
			(strings.HasPrefix(msid, "DP_") && "DP_"+e.pattern == msid) {
			out = append(out, Interval{Start: e.start, Stop: e.stop})
		}
	}
	return out
}

// Filter removes, in place, all samples of the result falling inside a
// matching exclusion.
func (b *BadTimes) Filter(r *FullRes) {
	ivs := b.IntervalsFor(r.MSID)
	if len(ivs) == 0 {
		return
	}
	r.RemoveIntervals(ivs)
}

// FilterSet applies Filter to every member of a set.
func (b *BadTimes) FilterSet(s *Set) {
	s.Each(func(r *FullRes) { b.Filter(r) })
}
