package diagnostics

import "time"

// EventKind tells observers what an Event carries.
type EventKind string

const (
	// KindResult carries a probe result for one slot.
	KindResult EventKind = "result"
	// KindPing carries one sequential latency sample.
	KindPing EventKind = "ping"
	// KindComplete carries the final *Results and is always the last event.
	KindComplete EventKind = "complete"
)

// Event is an incremental update from a running diagnosis.
type Event struct {
	RunID  string    `json:"runId"`
	Kind   EventKind `json:"type"`
	Group  int       `json:"group,omitempty"`
	Probe  Slot      `json:"probe,omitempty"`
	Sample int       `json:"sample,omitempty"`
	Result any       `json:"result,omitempty"`
	Time   time.Time `json:"time"`
}

// RunOption customises a single Run.
type RunOption func(*runConfig)

type runConfig struct {
	observer func(Event)
}

// WithObserver calls fn for every event of the run. Events are delivered
// from a single goroutine in the order results arrive; fn must not block
// for long.
func WithObserver(fn func(Event)) RunOption {
	return func(c *runConfig) {
		c.observer = fn
	}
}

// update is a message to the collector. A non-nil flushed marks a barrier.
type update struct {
	kind    EventKind
	group   int
	slot    Slot
	sample  int
	value   any
	flushed chan struct{}
}

// collector is the only writer of a run's Results.
type collector struct {
	runID   string
	res     *Results
	observe func(Event)
	updates chan update
	done    chan struct{}
}

func newCollector(res *Results, observe func(Event)) *collector {
	c := &collector{
		runID:   res.RunID,
		res:     res,
		observe: observe,
		updates: make(chan update, 32),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *collector) loop() {
	defer close(c.done)
	for u := range c.updates {
		if u.flushed != nil {
			close(u.flushed)
			continue
		}
		c.res.set(u.slot, u.value)
		c.emit(Event{
			RunID:  c.runID,
			Kind:   u.kind,
			Group:  u.group,
			Probe:  u.slot,
			Sample: u.sample,
			Result: u.value,
			Time:   time.Now(),
		})
	}
}

func (c *collector) emit(ev Event) {
	if c.observe != nil {
		c.observe(ev)
	}
}

func (c *collector) send(group int, slot Slot, v any) {
	c.updates <- update{kind: KindResult, group: group, slot: slot, value: v}
}

func (c *collector) sample(group, n int, v any) {
	c.updates <- update{kind: KindPing, group: group, slot: SlotSample, sample: n, value: v}
}

// flush returns once every update sent before it has been applied.
func (c *collector) flush() {
	ch := make(chan struct{})
	c.updates <- update{flushed: ch}
	<-ch
}

// finish drains the collector and emits the completion event.
func (c *collector) finish() {
	close(c.updates)
	<-c.done
	c.emit(Event{RunID: c.runID, Kind: KindComplete, Result: c.res, Time: time.Now()})
}
