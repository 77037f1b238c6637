package trace

import "sync"

// Sink receives events from the task runner. Record has no error result;
// callers go through SafeRecord so a faulty sink cannot fail a run.
type Sink interface {
	Record(event TraceEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(TraceEvent) {}

// SafeRecord sends event to s. A nil sink is skipped and a panicking one is
// ignored.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// CacheCounts tallies the provisioning decisions of a run.
type CacheCounts struct {
	Hits        int
	Misses      int
	Repopulated int
	Stored      int
}

// Recorder collects the events of one pipeline run in memory. Task runs
// executing in parallel share it; canonical order is applied when the trace
// is built, not while recording.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
	cache  CacheCounts
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	switch event.Kind {
	case EventStepCacheHit:
		r.cache.Hits++
	case EventStepCacheMiss:
		r.cache.Misses++
	case EventStepRepopulated:
		r.cache.Repopulated++
	case EventStepStored:
		r.cache.Stored++
	}
}

// Snapshot returns the events recorded so far in arrival order.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.events...)
}

// Cache returns the provisioning decisions recorded so far.
func (r *Recorder) Cache() CacheCounts {
	if r == nil {
		return CacheCounts{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache
}

// Trace builds the canonical trace of a run identified by runHash. It
// shares no memory with r.
func (r *Recorder) Trace(runHash string) ExecutionTrace {
	tr := ExecutionTrace{RunHash: runHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
