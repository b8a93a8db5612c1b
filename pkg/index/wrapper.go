package index

import (
	"log/slog"
	"time"

	"github.com/aleksaelezovic/trigodb/pkg/record"
)

// Wrapper delegates every Index operation to an owned inner index. Embed it
// and override the methods a decorator cares about.
type Wrapper struct {
	Index
}

// NewWrapper returns a Wrapper around idx.
func NewWrapper(idx Index) *Wrapper {
	return &Wrapper{Index: idx}
}

// Unwrap returns the inner index.
func (w *Wrapper) Unwrap() Index { return w.Index }

// RangeWrapper delegates every RangeIndex operation to an owned inner index.
type RangeWrapper struct {
	RangeIndex
}

// NewRangeWrapper returns a RangeWrapper around idx.
func NewRangeWrapper(idx RangeIndex) *RangeWrapper {
	return &RangeWrapper{RangeIndex: idx}
}

// Unwrap returns the inner index.
func (w *RangeWrapper) Unwrap() RangeIndex { return w.RangeIndex }

// Logging is a RangeIndex decorator that logs every operation at debug level
// and every failure at error level.
type Logging struct {
	RangeWrapper
	name   string
	logger *slog.Logger
}

// NewLogging decorates idx. A nil logger uses slog.Default.
func NewLogging(name string, idx RangeIndex, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{
		RangeWrapper: RangeWrapper{RangeIndex: idx},
		name:         name,
		logger:       logger.With("index", name),
	}
}

func (l *Logging) done(op string, start time.Time, err error, attrs ...any) {
	attrs = append(attrs, "elapsed", time.Since(start))
	if err != nil {
		l.logger.Error(op+" failed", append(attrs, "err", err)...)
		return
	}
	l.logger.Debug(op, attrs...)
}

func (l *Logging) Find(r record.Record) (record.Record, bool, error) {
	start := time.Now()
	found, ok, err := l.RangeIndex.Find(r)
	l.done("find", start, err, "key", r, "found", ok)
	return found, ok, err
}

func (l *Logging) Contains(r record.Record) (bool, error) {
	start := time.Now()
	ok, err := l.RangeIndex.Contains(r)
	l.done("contains", start, err, "key", r, "found", ok)
	return ok, err
}

func (l *Logging) Add(r record.Record) (bool, error) {
	start := time.Now()
	added, err := l.RangeIndex.Add(r)
	l.done("add", start, err, "record", r, "added", added)
	return added, err
}

func (l *Logging) Delete(r record.Record) (bool, error) {
	start := time.Now()
	removed, err := l.RangeIndex.Delete(r)
	l.done("delete", start, err, "key", r, "removed", removed)
	return removed, err
}

func (l *Logging) Iterator() (Iterator, error) {
	start := time.Now()
	it, err := l.RangeIndex.Iterator()
	l.done("iterator", start, err)
	return it, err
}

func (l *Logging) IteratorRange(min, max record.Record) (Iterator, error) {
	start := time.Now()
	it, err := l.RangeIndex.IteratorRange(min, max)
	l.done("iterator range", start, err, "min", min, "max", max)
	return it, err
}

func (l *Logging) Clear() error {
	start := time.Now()
	err := l.RangeIndex.Clear()
	l.done("clear", start, err)
	return err
}

func (l *Logging) Check() error {
	start := time.Now()
	err := l.RangeIndex.Check()
	l.done("check", start, err)
	return err
}

func (l *Logging) Sync() error {
	start := time.Now()
	err := l.RangeIndex.Sync()
	l.done("sync", start, err)
	return err
}

func (l *Logging) Close() error {
	start := time.Now()
	err := l.RangeIndex.Close()
	l.done("close", start, err)
	return err
}
