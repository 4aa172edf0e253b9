// Package transcript holds the bounded view of recent conversation text.
package transcript

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultMaxWords bounds the window when no size is given.
const DefaultMaxWords = 1000

// Window keeps the most recent words of a transcript. Eviction is by word
// count so words are never split. Appends and snapshots may run from
// different goroutines.
type Window struct {
	mu       sync.RWMutex
	maxWords int
	words    []string
	appended int
	last     time.Time
}

// NewWindow creates a window bounded to maxWords (DefaultMaxWords if < 1).
func NewWindow(maxWords int) *Window {
	if maxWords < 1 {
		maxWords = DefaultMaxWords
	}
	return &Window{maxWords: maxWords}
}

// Append adds text to the tail and evicts the oldest words past the bound.
// at is the approximate arrival time reported by the transcription source.
// Whitespace-only text is ignored.
func (w *Window) Append(text string, at time.Time) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.words = append(w.words, fields...)
	w.appended += len(fields)
	if at.After(w.last) {
		w.last = at
	}

	if over := len(w.words) - w.maxWords; over > 0 {
		w.words = w.words[over:]
	}
}

// Snapshot returns the current window as one space-joined string. Later
// appends do not affect a returned snapshot.
func (w *Window) Snapshot() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return strings.Join(w.words, " ")
}

// Stats describes the window without copying its text.
type Stats struct {
	Words         int       `json:"words"`
	MaxWords      int       `json:"max_words"`
	TotalAppended int       `json:"total_appended"`
	LastAppend    time.Time `json:"last_append,omitzero"`
}

// Stats returns current counters.
func (w *Window) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Words:         len(w.words),
		MaxWords:      w.maxWords,
		TotalAppended: w.appended,
		LastAppend:    w.last,
	}
}

// Tail returns at most the last n bytes of text, moved forward to the next
// word boundary so no word is cut. A tail with no boundary starts at the next
// rune so the result stays valid UTF-8.
func Tail(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	cut := len(text) - n
	if text[cut-1] != ' ' {
		if i := strings.IndexByte(text[cut:], ' '); i >= 0 {
			cut += i + 1
		} else {
			for cut < len(text) && !utf8.RuneStart(text[cut]) {
				cut++
			}
		}
	}
	return text[cut:]
}
