package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/threads/eventlog"
	"goa.design/threads/run"
)

// sendGrace bounds how long the log reader waits for buffer room before the
// session closes on backpressure.
const sendGrace = 250 * time.Millisecond

// Session is one client's view over a thread's event log. Created by
// Manager.Open, driven by Serve, single use.
type Session struct {
	m         *Manager
	threadID  string
	resume    string
	primed    []*eventlog.Event
	synthetic bool
	cursor    string
	seen      map[string]bool // run ID -> terminal event delivered
}

// Cursor returns the ID of the last delivered event, or the resume cursor
// when nothing was delivered yet.
func (s *Session) Cursor() string {
	if s.cursor != "" {
		return s.cursor
	}
	return s.resume
}

// Serve delivers the log to the sink until an exit condition fires. It
// returns the close reason and, for timeout, backpressure and store failures,
// the error describing it. Client disconnects (sink errors or context
// cancellation) close cleanly with a nil error.
//
// Every close except a disconnect emits a final frame first: the terminal
// event itself, or a synthetic error frame naming the condition.
func (s *Session) Serve(ctx context.Context, sink Sink) (Reason, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.m.metrics.sessionOpened(ctx)
	reason, err := s.serve(ctx, sink)
	s.m.metrics.sessionClosed(context.WithoutCancel(ctx), reason)
	return reason, err
}

func (s *Session) serve(ctx context.Context, sink Sink) (Reason, error) {
	events := make(chan *eventlog.Event, s.m.buffer)
	overflow := make(chan struct{})
	readErrs := make(chan error, 1)
	go s.read(ctx, events, overflow, readErrs)

	keep := time.NewTimer(s.m.keepAlive)
	defer keep.Stop()
	idle := time.NewTimer(s.m.idleTimeout)
	defer idle.Stop()
	lifetime := time.NewTimer(s.m.maxDuration)
	defer lifetime.Stop()

	if s.synthetic {
		// Empty log, no cursor: tell the client the connection is live and
		// work is awaited. Not persisted, no ID.
		if err := sink.Send(ctx, syntheticFrame(eventlog.TypeWaiting)); err != nil {
			return ReasonDisconnect, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ReasonDisconnect, nil

		case ev := <-events:
			frame, err := eventFrame(ev)
			if err != nil {
				s.sendClose(ctx, sink, "internal", "event could not be encoded")
				return ReasonStoreError, err
			}
			if err := sink.Send(ctx, frame); err != nil {
				return ReasonDisconnect, nil
			}
			s.cursor = ev.ID
			s.m.metrics.eventDelivered(ctx)
			if !ev.Type.System() {
				resetTimer(idle, s.m.idleTimeout)
				resetTimer(keep, s.m.keepAlive)
			}
			if ev.RunID != "" {
				if ev.Terminal() {
					s.seen[ev.RunID] = true
					if s.allTerminal() {
						return ReasonTerminal, nil
					}
				} else if _, ok := s.seen[ev.RunID]; !ok {
					s.seen[ev.RunID] = false
				}
			}

		case <-keep.C:
			if err := sink.Send(ctx, syntheticFrame(eventlog.TypeKeepAlive)); err != nil {
				return ReasonDisconnect, nil
			}
			keep.Reset(s.m.keepAlive)

		case <-idle.C:
			s.sendClose(ctx, sink, "session_timeout", fmt.Sprintf("no activity for %s", s.m.idleTimeout))
			return ReasonIdleTimeout, fmt.Errorf("idle for %s: %w", s.m.idleTimeout, ErrSessionTimeout)

		case <-lifetime.C:
			s.sendClose(ctx, sink, "max_duration", fmt.Sprintf("session exceeded %s, reconnect with last_id to resume", s.m.maxDuration))
			return ReasonMaxDuration, fmt.Errorf("session open for %s: %w", s.m.maxDuration, ErrSessionTimeout)

		case <-overflow:
			s.sendClose(ctx, sink, "slow_consumer", "client cannot keep up with event production, reconnect with last_id to resume")
			return ReasonBackpressure, ErrSlowConsumer

		case err := <-readErrs:
			s.sendClose(ctx, sink, "store_unavailable", "event log read failed")
			return ReasonStoreError, err
		}
	}
}

// allTerminal reports whether every run referenced by delivered events has
// had its terminal event delivered.
func (s *Session) allTerminal() bool {
	for _, terminal := range s.seen {
		if !terminal {
			return false
		}
	}
	return true
}

// read feeds the session channel: the primed catch-up page first, the rest
// of the backlog next, then the live tail. It owns the read cursor, so
// ordering and exactly-once delivery follow from the single producer.
func (s *Session) read(ctx context.Context, out chan *eventlog.Event, overflow chan struct{}, errs chan<- error) {
	cursor := s.resume
	for _, ev := range s.primed {
		if !s.push(ctx, ev, out, overflow) {
			return
		}
		cursor = ev.ID
	}
	// Remaining backlog. A full primed page means there may be more.
	if len(s.primed) == s.m.readBatch {
		for {
			evs, err := s.m.events.List(ctx, s.threadID, cursor, s.m.readBatch)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			for _, ev := range evs {
				if !s.push(ctx, ev, out, overflow) {
					return
				}
				cursor = ev.ID
			}
			if len(evs) < s.m.readBatch {
				break
			}
		}
	}
	// Live tail.
	for {
		if ctx.Err() != nil {
			return
		}
		evs, err := s.m.events.Read(ctx, s.threadID, cursor, s.m.readBatch, s.m.readBlock)
		if err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}
		for _, ev := range evs {
			if !s.push(ctx, ev, out, overflow) {
				return
			}
			cursor = ev.ID
		}
	}
}

// push hands one event to the session channel. When the buffer is full it
// waits briefly for the consumer, then signals overflow and stops reading.
func (s *Session) push(ctx context.Context, ev *eventlog.Event, out chan *eventlog.Event, overflow chan struct{}) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	grace := time.NewTimer(sendGrace)
	defer grace.Stop()
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-grace.C:
		close(overflow)
		return false
	}
}

// sendClose best-effort delivers a final error frame naming the close
// condition. The session is ending either way.
func (s *Session) sendClose(ctx context.Context, sink Sink, code, message string) {
	data, err := json.Marshal(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = sink.Send(ctx, &Frame{Name: string(eventlog.TypeError), Data: data})
}

// eventFrame encodes a persisted event as a wire frame. The log ID travels
// as the frame ID so clients can use it as their resume cursor.
func eventFrame(ev *eventlog.Event) (*Frame, error) {
	data, err := json.Marshal(struct {
		RunID     string          `json:"run_id,omitempty"`
		Status    run.Status      `json:"status,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
	}{
		RunID:     ev.RunID,
		Status:    ev.Status,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", ev.ID, err)
	}
	return &Frame{ID: ev.ID, Name: string(ev.Type), Data: data}, nil
}

// syntheticFrame builds a transport-level frame with no log identity.
func syntheticFrame(typ eventlog.Type) *Frame {
	return &Frame{Name: string(typ), Data: []byte("{}")}
}

// resetTimer safely rearms a timer that may have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
