package ingest

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Display bounds, in runes.
const (
	MaxSummaryLen = 80
	MaxDetailLen  = 240
)

const (
	partSeparator   = " | "
	detailSeparator = ", "
	ellipsis        = "..."
)

// Display is the human-readable rendering of a status payload.
type Display struct {
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
}

// Known field names, checked in order. Matching is case-insensitive.
var (
	stateKeys      = []string{"relay", "relay_state", "relaystate", "actuator", "state", "power"}
	lastSeenKeys   = []string{"last_seen", "lastseen", "seen_at", "timestamp", "ts"}
	connectionKeys = []string{"connection", "conn", "network", "link"}
)

// Summarize renders parsed for display. Objects yield a summary built from
// the relay or actuator state, a last-seen hint and a connection label,
// and a detail line of the remaining scalar fields. Any other value is
// rendered as text. Repeated parts are removed and both lines are bounded.
func Summarize(parsed any) Display {
	switch v := parsed.(type) {
	case map[string]any:
		return summarizeObject(v)
	case nil:
		return Display{}
	case string:
		return summarizeText(v)
	default:
		return summarizeText(scalarText(v))
	}
}

func summarizeObject(obj map[string]any) Display {
	lower := make(map[string]string, len(obj))
	for k := range obj {
		lower[strings.ToLower(k)] = k
	}
	used := make(map[string]bool)
	shown := make(map[string]bool)

	pick := func(keys []string) (string, bool) {
		for _, k := range keys {
			orig, ok := lower[k]
			if !ok {
				continue
			}
			text, ok := scalar(obj[orig])
			if !ok || text == "" {
				continue
			}
			used[orig] = true
			shown[strings.ToLower(text)] = true
			return text, true
		}
		return "", false
	}

	var parts []string
	if state, ok := pick(stateKeys); ok {
		switch state {
		case "true":
			state = "on"
		case "false":
			state = "off"
		}
		parts = append(parts, "Relay "+strings.ToUpper(state))
	}
	if conn, ok := pick(connectionKeys); ok {
		parts = append(parts, conn)
	}
	if seen, ok := pick(lastSeenKeys); ok {
		parts = append(parts, "seen "+seen)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		if !used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var details []string
	for _, k := range keys {
		text, ok := scalar(obj[k])
		if !ok || (knownKey(k) && shown[strings.ToLower(text)]) {
			continue
		}
		details = append(details, k+"="+text)
	}

	summary := joinUnique(parts, partSeparator)
	if summary == "" && len(details) > 0 {
		summary = details[0]
		details = details[1:]
	}

	return Display{
		Summary: truncate(summary, MaxSummaryLen),
		Detail:  truncate(joinUnique(details, detailSeparator), MaxDetailLen),
	}
}

func summarizeText(text string) Display {
	text = strings.TrimSpace(text)
	first, rest, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)

	d := Display{Summary: truncate(first, MaxSummaryLen)}
	if d.Summary != text {
		d.Detail = truncate(strings.Join(strings.Fields(strings.TrimSpace(first+" "+rest)), " "), MaxDetailLen)
	}
	return d
}

// scalar renders strings, numbers and booleans. Other values report false.
func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64, bool, int, int64:
		return scalarText(t), true
	default:
		return "", false
	}
}

func scalarText(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func knownKey(k string) bool {
	k = strings.ToLower(k)
	return slices.Contains(stateKeys, k) || slices.Contains(lastSeenKeys, k) || slices.Contains(connectionKeys, k)
}

// joinUnique joins parts, dropping any that repeat an earlier part
// (case-insensitive) or are empty.
func joinUnique(parts []string, sep string) string {
	seen := make(map[string]bool, len(parts))
	out := parts[:0:0]
	for _, p := range parts {
		key := strings.ToLower(strings.TrimSpace(p))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return strings.Join(out, sep)
}

// truncate bounds s to max runes, ending with an ellipsis when shortened.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-len(ellipsis)]) + ellipsis
}
