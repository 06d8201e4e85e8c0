package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one zerolog event as kept by the buffer.
type LogEntry struct {
	Time      string         `json:"time,omitempty"`
	Level     string         `json:"level,omitempty"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// String renders the entry the way the console writer would, minus color.
func (e LogEntry) String() string {
	var sb strings.Builder
	if e.Time != "" {
		sb.WriteString(e.Time)
		sb.WriteByte(' ')
	}
	lvl := strings.ToUpper(e.Level)
	if len(lvl) > 3 {
		lvl = lvl[:3]
	}
	if lvl == "" {
		lvl = "???"
	}
	sb.WriteString(lvl)
	if e.Component != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Component)
		sb.WriteByte(']')
	}
	sb.WriteByte(' ')
	sb.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Fields[k])
	}
	return sb.String()
}

// LogFilter selects entries from the buffer. Zero values match everything.
type LogFilter struct {
	Component string
	// Level is the lowest level name kept, e.g. "warn".
	Level string
	// Match is a case-insensitive substring of the message or a field value.
	Match string
}

func (f LogFilter) keep(e LogEntry) bool {
	if f.Component != "" && !strings.EqualFold(e.Component, f.Component) {
		return false
	}
	if f.Level != "" {
		floor, err := zerolog.ParseLevel(f.Level)
		if err == nil && floor != zerolog.NoLevel {
			l, err := zerolog.ParseLevel(e.Level)
			if err == nil && l != zerolog.NoLevel && l < floor {
				return false
			}
		}
	}
	if f.Match != "" && !strings.Contains(strings.ToLower(e.String()), strings.ToLower(f.Match)) {
		return false
	}
	return true
}

// LogBuffer keeps the newest log events for /api/logs. It takes zerolog's
// JSON output as an extra writer and indexes each event by component.
type LogBuffer struct {
	mu         sync.Mutex
	max        int
	entries    []LogEntry
	dropped    uint64
	components map[string]uint64
}

func NewLogBuffer(maxEntries int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	return &LogBuffer{max: maxEntries, components: map[string]uint64{}}
}

// Write implements io.Writer. zerolog hands over one JSON event per call;
// anything that does not parse is kept as a bare message.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, line := range bytes.Split(p, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		b.appendLocked(parseEntry(line))
	}
	return len(p), nil
}

func parseEntry(line []byte) LogEntry {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{Message: string(line)}
	}
	take := func(key string) string {
		v, ok := raw[key]
		if !ok {
			return ""
		}
		delete(raw, key)
		s, _ := v.(string)
		return s
	}
	e := LogEntry{
		Time:      take(zerolog.TimestampFieldName),
		Level:     take(zerolog.LevelFieldName),
		Component: take("component"),
		Message:   take(zerolog.MessageFieldName),
	}
	delete(raw, "app")
	if len(raw) > 0 {
		e.Fields = raw
	}
	return e
}

func (b *LogBuffer) appendLocked(e LogEntry) {
	if e.Component != "" {
		b.components[e.Component]++
	}
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		over := len(b.entries) - b.max
		b.entries = b.entries[over:]
		b.dropped += uint64(over)
	}
}

// Snapshot returns up to tail of the newest entries the filter keeps,
// oldest first.
func (b *LogBuffer) Snapshot(tail int, f LogFilter) (entries []LogEntry, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = b.dropped
	if tail <= 0 {
		tail = 200
	}
	for i := len(b.entries) - 1; i >= 0 && len(entries) < tail; i-- {
		if f.keep(b.entries[i]) {
			entries = append(entries, b.entries[i])
		}
	}
	slices.Reverse(entries)
	return entries, dropped
}

// Components reports how many events each component has logged since start.
func (b *LogBuffer) Components() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.components))
	for k, v := range b.components {
		out[k] = v
	}
	return out
}

type LogsResponse struct {
	NowUTC     string            `json:"now_utc"`
	Dropped    uint64            `json:"dropped"`
	Components map[string]uint64 `json:"components"`
	Entries    []LogEntry        `json:"entries"`
}

// Handler serves /api/logs?tail=N&component=stream&level=warn&q=text&format=text.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()

		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}

		f := LogFilter{
			Component: strings.TrimSpace(q.Get("component")),
			Match:     strings.TrimSpace(q.Get("q")),
		}
		if s := strings.TrimSpace(q.Get("level")); s != "" {
			l, err := zerolog.ParseLevel(strings.ToLower(s))
			if err != nil || l == zerolog.NoLevel {
				http.Error(w, "level must be one of trace, debug, info, warn, error", http.StatusBadRequest)
				return
			}
			f.Level = l.String()
		}

		entries, dropped := b.Snapshot(tail, f)
		if entries == nil {
			entries = []LogEntry{}
		}

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, e := range entries {
				_, _ = w.Write([]byte(e.String()))
				_, _ = w.Write([]byte("\n"))
			}
			return
		}

		writeJSON(w, LogsResponse{
			NowUTC:     time.Now().UTC().Format(time.RFC3339Nano),
			Dropped:    dropped,
			Components: b.Components(),
			Entries:    entries,
		})
	})
}
