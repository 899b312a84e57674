package fleet

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// NormalizeHandle lower-cases a handle and strips surrounding whitespace and
// a leading "@".
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// NormalizeHandles normalizes a batch of handles, dropping empties and
// duplicates while preserving first-seen order.
func NormalizeHandles(handles []string) []string {
	seen := make(map[string]struct{}, len(handles))
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		n := NormalizeHandle(h)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// TruncateError bounds an error message for persistence. The result is
// valid UTF-8 and never ends in a partial rune.
func TruncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	n := MaxErrorMessageLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

var workerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateWorkerName rejects names that are unsafe in instance labels and
// systemd unit lines.
func ValidateWorkerName(name string) error {
	if !workerNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkerName, name)
	}
	return nil
}
