package dispatch

import (
	"sync"
)

// CallObservation captures one completed call: a handler actually ran and
// produced either an envelope or an error.
type CallObservation struct {
	Tool        string
	Action      string
	CallID      string
	DurationMS  int64
	Queued      bool
	QueueWaitMS int64
	Success     bool
	ErrorCode   string
	Truncated   bool
}

// RejectObservation captures one call turned away before its handler ran:
// routing or validation failure, load shed, or cancellation while queued.
type RejectObservation struct {
	Tool   string
	Action string
	CallID string
	Code   string
}

// QueueObservation captures one call that waited in the guard queue
// before being granted a slot.
type QueueObservation struct {
	Tool   string
	Action string
	CallID string
	WaitMS int64
}

// Observer receives dispatch-level observability events.
type Observer interface {
	ObserveCall(observation CallObservation)
	ObserveReject(observation RejectObservation)
	ObserveQueue(observation QueueObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveCall(CallObservation)     {}
func (noopObserver) ObserveReject(RejectObservation) {}
func (noopObserver) ObserveQueue(QueueObservation)   {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide dispatch observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func emitCallObservation(observation CallObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveCall(observation)
}

func emitRejectObservation(observation RejectObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveReject(observation)
}

func emitQueueObservation(observation QueueObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveQueue(observation)
}
