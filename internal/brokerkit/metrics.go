package brokerkit

import "sync"

// Broker event names recorded by the counters.
const (
	MetricLoginStarted     = "login_started"
	MetricCallbackSuccess  = "callback_success"
	MetricCallbackRejected = "callback_rejected"
	MetricExchangeFailed   = "exchange_failed"
	MetricTokenRefreshed   = "token_refreshed"
	MetricRefreshRejected  = "refresh_rejected"
)

// EventCounters tallies auth events in memory.
type EventCounters struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewEventCounters constructs an empty recorder.
func NewEventCounters() *EventCounters {
	return &EventCounters{counts: make(map[string]int64)}
}

// Increment bumps the counter for the event.
func (counters *EventCounters) Increment(event string) {
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	counters.counts[event]++
}

// Count returns the current tally for the event.
func (counters *EventCounters) Count(event string) int64 {
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	return counters.counts[event]
}

// Snapshot copies all tallies.
func (counters *EventCounters) Snapshot() map[string]int64 {
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	snapshot := make(map[string]int64, len(counters.counts))
	for event, count := range counters.counts {
		snapshot[event] = count
	}
	return snapshot
}
