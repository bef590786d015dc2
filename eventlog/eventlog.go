// Package eventlog records pipeline events (start/stop, detection counts, failures) in append-only logs.
package eventlog

import (
	"sync"
	"time"
)

// Category of an event
type Category string

const (
	CategoryInfo      Category = "INFO"
	CategoryError     Category = "ERROR"
	CategoryDetection Category = "DETECTION"
)

// TimeLayout is how timestamps are rendered in text logs
const TimeLayout = "2006-01-02 15:04:05"

// Entry is a single event
type Entry struct {
	Time     time.Time
	Category Category
	Camera   string
	Message  string
}

// NewEntry creates entry stamped with current time
func NewEntry(category Category, camera, message string) Entry {
	return Entry{
		Time:     time.Now(),
		Category: category,
		Camera:   camera,
		Message:  message,
	}
}

// Log is an append-only event sink. Implementations must be safe for concurrent use.
type Log interface {
	Append(entry Entry) error
}

// Discard drops every entry
var Discard Log = discard{}

type discard struct{}

func (discard) Append(Entry) error {
	return nil
}

// Multi fans entries out to every log. All logs are tried, the first error is returned.
func Multi(logs ...Log) Log {
	return multi(logs)
}

type multi []Log

func (m multi) Append(entry Entry) error {
	var first error
	for _, l := range m {
		if err := l.Append(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory keeps the most recent entries in memory, e.g. for a status page
type Memory struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

// NewMemory creates in-memory log holding at most capacity entries
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 100
	}
	return &Memory{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}
}

// Append implements Log
func (m *Memory) Append(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == m.capacity {
		copy(m.entries, m.entries[1:])
		m.entries = m.entries[:len(m.entries)-1]
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns copy of kept entries, oldest first
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Count returns number of kept entries of the given category
func (m *Memory) Count(category Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.entries {
		if entry.Category == category {
			n++
		}
	}
	return n
}

func parseTime(value string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, value, time.Local)
}
