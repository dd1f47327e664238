// Package state aggregates worker-lifecycle and request-handling events
// into an externally observable stream of coarse-grained situations.
package state

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the coarse lifecycle phase a Situation belongs to.
type State string

const (
	Operating State = "operating"
	Failing   State = "failing"
	Stopping  State = "stopping"
	Stopped   State = "stopped"
)

// Situation is a member of the closed set of events the reporter emits.
type Situation string

const (
	ServerStarted          Situation = "server_started"
	StoppedChildProcess    Situation = "stopped_child_process"
	WasmMissing            Situation = "wasm_missing"
	DisasterlyCrashed      Situation = "disasterly_crashed"
	RespawnedAfterDisaster Situation = "respawned_after_disaster"
	HTMLRendered           Situation = "html_rendered"
	HTMLNotRendered        Situation = "html_not_rendered"
	RequestFailed          Situation = "request_failed"
	FulfilledStopCall      Situation = "fulfilled_stop_call"
)

// situationState maps every known situation to its coarse state. A
// situation outside this map is a programmer error, not a runtime one.
var situationState = map[Situation]State{
	ServerStarted:          Operating,
	StoppedChildProcess:    Operating,
	WasmMissing:            Failing,
	DisasterlyCrashed:      Failing,
	RespawnedAfterDisaster: Operating,
	HTMLRendered:           Operating,
	HTMLNotRendered:        Failing,
	RequestFailed:          Failing,
	FulfilledStopCall:      Stopped,
}

// Event is one record in the externally observable stream.
type Event struct {
	State       State     `json:"state"`
	Situation   Situation `json:"situation"`
	Description string    `json:"description"`
}

// Reporter deduplicates consecutive events carrying the same coarse
// State (not the same Situation) so flapping between situations that
// share a state doesn't spam subscribers.
type Reporter struct {
	mu   sync.Mutex
	last State
	have bool

	subsMu sync.RWMutex
	subs   []chan Event

	log *logrus.Logger
}

// New constructs a Reporter. log may be nil, in which case
// logrus.StandardLogger() is used.
func New(log *logrus.Logger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reporter{log: log}
}

// Emit records a situation. If its coarse state equals the previously
// emitted event's state, the event is dropped (deduplicated) and no
// subscriber is notified.
func (r *Reporter) Emit(situation Situation, description string) {
	st, ok := situationState[situation]
	if !ok {
		r.log.WithField("situation", situation).Warn("state: emitted unknown situation")
		return
	}

	r.mu.Lock()
	if r.have && r.last == st {
		r.mu.Unlock()
		return
	}
	r.have = true
	r.last = st
	r.mu.Unlock()

	evt := Event{State: st, Situation: situation, Description: description}
	r.log.WithFields(logrus.Fields{
		"state":     evt.State,
		"situation": evt.Situation,
	}).Info(description)

	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than block the emitter.
		}
	}
}

// Subscribe returns a channel that receives every non-deduplicated
// event from this point forward. The channel has a small buffer; a
// subscriber that falls behind silently misses events rather than
// stalling the reporter.
func (r *Reporter) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}
