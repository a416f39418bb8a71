// Package timeseries keeps a bounded sliding window of samples per series and
// publishes every change as a new immutable snapshot.
package timeseries

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/metrics"
)

const DefaultWindow = 1440

// ErrLengthMismatch is returned by SetHistory when a series has a different
// number of timestamps and values.
var ErrLengthMismatch = errors.New("timestamps and values differ in length")

// Series holds equal-length timestamps and values, oldest first. Series stored
// in a snapshot are never modified.
type Series struct {
	Times  []time.Time
	Values []float64
}

func (s Series) Len() int {
	return len(s.Values)
}

// Snapshot is a read-only view of every tracked series. Each mutation of the
// buffer produces a new snapshot; earlier snapshots stay valid.
type Snapshot struct {
	Version uint64
	series  map[string]Series
}

func (s *Snapshot) Series(name string) (Series, bool) {
	series, ok := s.series[name]

	return series, ok
}

// Names returns the tracked series names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (s *Snapshot) Len() int {
	return len(s.series)
}

// Buffer is safe for concurrent use. Writers are serialized; readers load the
// current snapshot without locking.
type Buffer struct {
	window  int
	metrics *metrics.Metrics

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	changes chan struct{}
}

// NewBuffer creates a buffer holding at most window samples per series. A
// non-positive window selects DefaultWindow.
func NewBuffer(window int, m *metrics.Metrics) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	b := &Buffer{
		window:  window,
		metrics: m,
		changes: make(chan struct{}, 1),
	}
	b.current.Store(&Snapshot{series: map[string]Series{}})

	return b
}

func (b *Buffer) Window() int {
	return b.window
}

// Snapshot returns the current snapshot. Comparing pointers tells whether
// anything changed between two reads.
func (b *Buffer) Snapshot() *Snapshot {
	return b.current.Load()
}

// Changes is signaled after every new snapshot. Signals coalesce.
func (b *Buffer) Changes() <-chan struct{} {
	return b.changes
}

// InitSeries creates empty series for names that are not tracked yet.
func (b *Buffer) InitSeries(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.current.Load()
	var next map[string]Series
	for _, name := range names {
		if _, ok := prev.series[name]; ok {
			continue
		}
		if next == nil {
			next = cloneIndex(prev.series)
		}
		next[name] = Series{}
	}
	if next == nil {
		return
	}

	b.commitLocked(prev, next, names)
}

// SetHistory replaces the content of every supplied series with its most
// recent window samples. Series not in history are left alone. A series with
// mismatched lengths is skipped and reported in the returned error; the others
// are still applied.
func (b *Buffer) SetHistory(history map[string]Series) error {
	names := make([]string, 0, len(history))
	for name := range history {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	valid := names[:0]
	for _, name := range names {
		series := history[name]
		if len(series.Times) != len(series.Values) {
			errs = append(errs, fmt.Errorf("series %q: %w (%d timestamps, %d values)", name, ErrLengthMismatch, len(series.Times), len(series.Values)))

			continue
		}
		valid = append(valid, name)
	}
	if len(valid) == 0 {
		return errors.Join(errs...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.current.Load()
	next := cloneIndex(prev.series)
	for _, name := range valid {
		series := history[name]
		start := max(0, series.Len()-b.window)
		next[name] = Series{
			Times:  append([]time.Time(nil), series.Times[start:]...),
			Values: append([]float64(nil), series.Values[start:]...),
		}
	}

	b.commitLocked(prev, next, valid)

	return errors.Join(errs...)
}

// AppendSample adds one sample to a tracked series, evicting the oldest
// samples so the window is never exceeded. Unknown series are ignored and
// false is returned.
func (b *Buffer) AppendSample(name string, at time.Time, value float64) bool {
	return b.AppendSamples(at, map[string]float64{name: value}) == 1
}

// AppendSamples appends one sample stamped at to each tracked series in values
// and publishes a single snapshot. It returns the number of series appended to.
func (b *Buffer) AppendSamples(at time.Time, values map[string]float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.current.Load()
	var next map[string]Series
	touched := make([]string, 0, len(values))
	for name, value := range values {
		existing, ok := prev.series[name]
		if !ok {
			continue
		}
		if next == nil {
			next = cloneIndex(prev.series)
		}
		next[name] = b.appended(existing, at, value)
		touched = append(touched, name)
	}
	if next == nil {
		return 0
	}

	b.commitLocked(prev, next, touched)

	return len(touched)
}

func (b *Buffer) appended(s Series, at time.Time, value float64) Series {
	drop := max(0, s.Len()-b.window+1)
	keep := s.Len() - drop

	times := make([]time.Time, keep, keep+1)
	copy(times, s.Times[drop:])
	values := make([]float64, keep, keep+1)
	copy(values, s.Values[drop:])

	return Series{
		Times:  append(times, at),
		Values: append(values, value),
	}
}

func (b *Buffer) commitLocked(prev *Snapshot, next map[string]Series, touched []string) {
	b.current.Store(&Snapshot{Version: prev.Version + 1, series: next})
	for _, name := range touched {
		b.metrics.SetSeriesLength(name, next[name].Len())
	}

	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// cloneIndex copies the name index only; series slices are shared because
// they are never written after being stored.
func cloneIndex(in map[string]Series) map[string]Series {
	out := make(map[string]Series, len(in)+1)
	for name, series := range in {
		out[name] = series
	}

	return out
}
