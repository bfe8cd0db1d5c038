// Package progressbus implements the Progress Bus (C5): an in-process
// pub/sub hub keyed by sessionId that multiplexes ProgressEvents and
// LogEntries to subscribers, with a last-value cache for late subscribers
// and per-subscriber backpressure.
package progressbus

import (
	"sync"
	"time"
)

// Phase names the named bands a session's percentComplete moves through.
type Phase string

const (
	PhasePreparing             Phase = "Preparing"
	PhasePullingImages         Phase = "PullingImages"
	PhaseInitializingContainer Phase = "InitializingContainers"
	PhaseStartingServices      Phase = "StartingServices"
	PhaseProductDeploy         Phase = "ProductDeploy"
	PhaseProductRemoval        Phase = "ProductRemoval"
	PhaseFinalizing            Phase = "Finalizing"
)

// ProgressEvent is one published progress update for a session.
type ProgressEvent struct {
	SessionID              string
	Phase                  Phase
	Message                string
	PercentComplete        int
	CurrentService         string
	TotalServices          int
	CompletedServices      int
	TotalInitContainers    int
	CompletedInitContainers int
	IsComplete             bool
	IsError                bool
	ErrorMessage           string
}

// LogEntry is one line of init-container or service log output.
type LogEntry struct {
	SessionID     string
	ContainerName string
	LogLine       string
	Ts            time.Time
}

// Event is the envelope delivered to subscribers: exactly one of Progress
// or Log is set.
type Event struct {
	Progress *ProgressEvent
	Log      *LogEntry
}

// SlowConsumerSignal is sent on a subscription's Done channel when its
// ProgressEvent queue overflowed and the subscriber was disconnected.
type SlowConsumerSignal struct{}

// Subscription is a live registration on the bus. ProgressEvents and
// LogEntries arrive on independently-sized channels with different
// backpressure policies, so a burst of log lines can never evict a
// buffered, undelivered ProgressEvent (§4.5: "ProgressEvents are never
// dropped").
type Subscription struct {
	Events <-chan Event
	Logs   <-chan Event
	Done   <-chan SlowConsumerSignal

	bus       *Bus
	sessionID string
	events    chan Event
	logs      chan Event
	done      chan SlowConsumerSignal
	closeOnce sync.Once
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s.sessionID, s)
		close(s.events)
		close(s.logs)
	})
}

type sessionState struct {
	mu          sync.RWMutex
	lastEvent   *Event
	subscribers map[*Subscription]struct{}
	terminalAt  time.Time
}

// Bus is a thread-safe, concurrent-publisher pub/sub hub for progress
// sessions. The zero value is not usable; construct with New.
type Bus struct {
	mu              sync.Mutex
	sessions        map[string]*sessionState
	retention       time.Duration
	eventQueueDepth int
	logQueueDepth   int
}

// New builds a Bus. retention is how long a terminal session's last event
// remains available to late subscribers (§4.5 requires >= 5 minutes).
func New(retention time.Duration, eventQueueDepth, logQueueDepth int) *Bus {
	return &Bus{
		sessions:        make(map[string]*sessionState),
		retention:       retention,
		eventQueueDepth: eventQueueDepth,
		logQueueDepth:   logQueueDepth,
	}
}

func (b *Bus) sessionFor(sessionID string) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionState{subscribers: make(map[*Subscription]struct{})}
		b.sessions[sessionID] = s
	}
	return s
}

// Subscribe registers a new subscriber for sessionID. If a retained event
// exists for the session, it is delivered immediately before any future
// events, satisfying the "no gaps" guarantee in §4.5.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	s := b.sessionFor(sessionID)

	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		events:    make(chan Event, b.eventQueueDepth),
		logs:      make(chan Event, b.logQueueDepth),
		done:      make(chan SlowConsumerSignal, 1),
	}
	sub.Events = sub.events
	sub.Logs = sub.logs
	sub.Done = sub.done

	s.mu.Lock()
	if s.lastEvent != nil {
		sub.events <- *s.lastEvent
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sessionID string, sub *Subscription) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

// PublishProgress emits a ProgressEvent to every subscriber of its session.
// ProgressEvents are never dropped: a subscriber whose queue is full is
// disconnected with a SlowConsumer signal instead. The publisher never
// blocks on a slow subscriber.
func (b *Bus) PublishProgress(ev ProgressEvent) {
	s := b.sessionFor(ev.SessionID)
	envelope := Event{Progress: &ev}

	s.mu.Lock()
	s.lastEvent = &envelope
	if ev.IsComplete {
		s.terminalAt = time.Now()
	}
	subs := make([]*Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- envelope:
		default:
			b.disconnectSlowConsumer(s, sub)
		}
	}
}

// PublishLog emits a LogEntry to every subscriber of its session. Log
// entries use a drop-oldest backpressure policy: a full queue has its
// oldest entry evicted to make room, rather than disconnecting the
// subscriber.
func (b *Bus) PublishLog(entry LogEntry) {
	s := b.sessionFor(entry.SessionID)
	envelope := Event{Log: &entry}

	s.mu.RLock()
	subs := make([]*Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		for {
			select {
			case sub.logs <- envelope:
			default:
				select {
				case <-sub.logs:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *Bus) disconnectSlowConsumer(s *sessionState, sub *Subscription) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()

	select {
	case sub.done <- SlowConsumerSignal{}:
	default:
	}
	close(sub.events)
}

// Prune removes session state for sessions whose terminal event is older
// than the bus's retention window. The bus never runs it by itself, so
// tests control timing; cmd/readystackgod does not call it, so there a
// terminal session stays retained for the life of the process.
func (b *Bus) Prune(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		s.mu.RLock()
		expired := !s.terminalAt.IsZero() && now.Sub(s.terminalAt) > b.retention
		s.mu.RUnlock()
		if expired {
			delete(b.sessions, id)
		}
	}
}
