package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"marinex-ng/internal/replay"
	"marinex-ng/internal/sim"
)

type logSummary struct {
	Segments    int
	Messages    int
	Invalid     int
	Vessels     int
	MaxDuration time.Duration
	TypeCounts  map[string]int
}

func summarizeFeedLog(records []replay.Record) logSummary {
	s := logSummary{TypeCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	origin := time.Duration(0)
	hasMessages := false
	segments := 0
	mmsis := map[string]struct{}{}

	for _, r := range records {
		if r.Message == nil {
			segments++
			origin = r.At
			continue
		}
		hasMessages = true

		s.Messages++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		m, ok := sim.ParseMessage(r.Message)
		if !ok {
			s.Invalid++
			continue
		}
		s.TypeCounts[m.Type]++
		if m.MMSI != "" {
			mmsis[m.MMSI] = struct{}{}
		}
	}
	if segments == 0 && hasMessages {
		segments = 1
	}
	s.Segments = segments
	s.Vessels = len(mmsis)

	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}

	s := summarizeFeedLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "messages: %d\n", s.Messages)
	fmt.Fprintf(w, "invalid_messages: %d\n", s.Invalid)
	fmt.Fprintf(w, "vessels: %d\n", s.Vessels)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	keys := make([]string, 0, len(s.TypeCounts))
	for k := range s.TypeCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "message_types:\n")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, s.TypeCounts[k])
	}
	return nil
}
