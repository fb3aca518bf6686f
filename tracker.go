package eventmq

import (
	"cmp"
	"slices"
	"time"
)

// trackedEvent is one fired event, from Fire until its completion runs.
type trackedEvent struct {
	seq     uint64
	tag     uint64
	sender  *Sender
	event   *Event
	opts    FireOptions
	retries int
	firedAt time.Time
	lastErr error
}

func bySeq(a, b *trackedEvent) int {
	return cmp.Compare(a.seq, b.seq)
}

// retryEntry is the waiting state of a record in the retrying set.
// scheduledAt is zero for records frozen while awaiting a confirmation.
type retryEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	stopped     bool

	// bump counts the wait as a failed attempt once it elapses
	bump bool
}

// enqueueLocked hands rec to the dispatcher. e.mu must be held.
func (e *Engine) enqueueLocked(rec *trackedEvent) {
	e.queued = append(e.queued, rec)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// requeueFront puts rec back at the head of the dispatch queue
func (e *Engine) requeueFront(rec *trackedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending[rec]; !ok {
		return
	}
	e.queued = slices.Insert(e.queued, 0, rec)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) isPending(rec *trackedEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[rec]
	return ok
}

// pendingCount returns the size of the all-pending set
func (e *Engine) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// resolveLocked removes rec from every set. It reports false when rec was
// already resolved. e.mu must be held.
func (e *Engine) resolveLocked(rec *trackedEvent) bool {
	if _, ok := e.pending[rec]; !ok {
		return false
	}
	delete(e.pending, rec)
	if entry, ok := e.retrying[rec]; ok {
		entry.stop()
		delete(e.retrying, rec)
	}
	e.inFlight = slices.DeleteFunc(e.inFlight, func(r *trackedEvent) bool { return r == rec })
	e.queued = slices.DeleteFunc(e.queued, func(r *trackedEvent) bool { return r == rec })
	e.broadcastLocked()
	return true
}

// finish reports a resolved record: releases its key, records the outcome
// and runs the completion. Called without e.mu.
func (e *Engine) finish(rec *trackedEvent, err error, outcome DeliveryOutcome) {
	e.registry.release(rec.event.Key)
	e.config.Metrics.RecordDeliveryOutcome(outcome, time.Since(rec.firedAt))
	e.config.Metrics.RecordPending(e.pendingCount())

	switch outcome {
	case DeliveryAcked, DeliveryUnconfirmed:
		e.config.Logger.Debug("Event delivered",
			"event_key", rec.event.Key,
			"outcome", string(outcome),
			"retries", rec.retries)
	default:
		e.config.Logger.Error("Event delivery failed",
			"event_key", rec.event.Key,
			"outcome", string(outcome),
			"error", errString(err))
	}

	if rec.opts.Completion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.config.Logger.Error("Completion callback panicked",
				"event_key", rec.event.Key,
				"panic", r)
		}
	}()
	rec.opts.Completion(rec.event, err)
}

// publishFailed schedules a retry for rec, or gives up once its retry budget
// is spent.
func (e *Engine) publishFailed(rec *trackedEvent, cause error) {
	e.mu.Lock()
	if _, ok := e.pending[rec]; !ok || e.halted {
		e.mu.Unlock()
		return
	}
	rec.lastErr = cause

	if rec.retries < rec.opts.RetryCount {
		e.armRetryLocked(rec, time.Now(), rec.opts.RetryInterval, true)
		e.mu.Unlock()

		e.config.Metrics.RecordRetry(RetryPublishError)
		e.config.Logger.Warn("Failed to publish event, retrying",
			"event_key", rec.event.Key,
			"attempt", rec.retries+1,
			"retry_count", rec.opts.RetryCount,
			"retry_interval", rec.opts.RetryInterval.String(),
			"error", errString(cause))
		return
	}
	e.mu.Unlock()

	e.giveUp(rec, cause)
}

// giveUp resolves rec with an *ExhaustedError
func (e *Engine) giveUp(rec *trackedEvent, cause error) {
	e.mu.Lock()
	resolved := e.resolveLocked(rec)
	e.mu.Unlock()
	if !resolved {
		return
	}

	e.finish(rec, &ExhaustedError{
		Event:    rec.event,
		Attempts: rec.retries + 1,
		Cause:    cause,
	}, DeliveryExhausted)

	if !rec.opts.KeepConnection {
		e.beginStop(nil)
	}
}

// armRetryLocked puts rec in the retrying set with a timer firing after
// wait. e.mu must be held.
func (e *Engine) armRetryLocked(rec *trackedEvent, scheduledAt time.Time, wait time.Duration, bump bool) {
	if old, ok := e.retrying[rec]; ok {
		old.stop()
	}
	entry := &retryEntry{scheduledAt: scheduledAt, bump: bump}
	entry.timer = time.AfterFunc(wait, func() { e.retryDue(rec, entry) })
	e.retrying[rec] = entry
}

func (e *Engine) retryDue(rec *trackedEvent, entry *retryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if current, ok := e.retrying[rec]; !ok || current != entry || entry.stopped {
		return
	}
	delete(e.retrying, rec)
	if entry.bump {
		rec.retries++
	}
	e.enqueueLocked(rec)
}

func (r *retryEntry) stop() {
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// consumeAck resolves the records confirmed by a broker ack. With multiple
// set every in-flight tag up to tag is confirmed; otherwise only tag is, and
// lower tags still in flight are treated as lost and sent again.
func (e *Engine) consumeAck(tag uint64, multiple bool) {
	e.mu.Lock()
	var acked, lost []*trackedEvent
	remaining := make([]*trackedEvent, 0, len(e.inFlight))
	for _, rec := range e.inFlight {
		switch {
		case rec.tag == tag, multiple && rec.tag < tag:
			acked = append(acked, rec)
		case rec.tag < tag:
			lost = append(lost, rec)
		default:
			remaining = append(remaining, rec)
		}
	}
	e.inFlight = remaining

	for _, rec := range acked {
		delete(e.pending, rec)
	}
	for _, rec := range lost {
		rec.retries++
		rec.tag = 0
		e.enqueueLocked(rec)
	}

	stop := len(acked) > 0 && len(e.pending) == 0
	for _, rec := range acked {
		if rec.opts.KeepConnection {
			stop = false
		}
	}
	if len(acked) > 0 {
		e.broadcastLocked()
	}
	e.mu.Unlock()

	for _, rec := range lost {
		e.config.Metrics.RecordRetry(RetryLost)
		e.config.Logger.Warn("Confirmation for event never arrived, publishing again",
			"event_key", rec.event.Key,
			"acked_tag", tag)
	}
	for _, rec := range acked {
		e.finish(rec, nil, DeliveryAcked)
	}

	if stop {
		e.beginStop(nil)
	}
}

// consumeNack sends the records rejected by a broker nack again. With
// multiple set every in-flight tag up to tag is rejected; otherwise only tag.
func (e *Engine) consumeNack(tag uint64, multiple bool) {
	e.mu.Lock()
	var nacked []*trackedEvent
	remaining := make([]*trackedEvent, 0, len(e.inFlight))
	for _, rec := range e.inFlight {
		if rec.tag == tag || (multiple && rec.tag < tag) {
			nacked = append(nacked, rec)
		} else {
			remaining = append(remaining, rec)
		}
	}
	e.inFlight = remaining

	for _, rec := range nacked {
		rec.retries++
		rec.tag = 0
		e.enqueueLocked(rec)
	}
	e.mu.Unlock()

	for _, rec := range nacked {
		e.config.Metrics.RecordRetry(RetryNacked)
		e.config.Logger.Warn("Broker rejected event, publishing again",
			"event_key", rec.event.Key,
			"tag", tag,
			"retries", rec.retries)
	}
}

// freezeInFlight moves every in-flight record to the retrying set and
// suspends all retry timers. It runs at most once per established channel.
func (e *Engine) freezeInFlight() {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected

	for _, entry := range e.retrying {
		entry.stop()
	}
	frozen := e.inFlight
	for _, rec := range frozen {
		rec.tag = 0
		e.retrying[rec] = &retryEntry{stopped: true}
	}
	e.inFlight = nil
	waiting := len(e.retrying)
	e.broadcastLocked()
	e.mu.Unlock()

	for range frozen {
		e.config.Metrics.RecordRetry(RetryInterrupted)
	}
	e.config.Logger.Info("Delivery suspended",
		"in_flight", len(frozen),
		"retrying", waiting)
}

// replayFrozen resumes the retrying set in fire order: records whose wait
// has elapsed are dispatched now, the rest get a timer for the remainder.
func (e *Engine) replayFrozen() {
	e.mu.Lock()
	recs := make([]*trackedEvent, 0, len(e.retrying))
	for rec := range e.retrying {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, bySeq)

	now := time.Now()
	due := 0
	for _, rec := range recs {
		entry := e.retrying[rec]
		entry.stop()

		remaining := entry.scheduledAt.Add(rec.opts.RetryInterval).Sub(now)
		if entry.scheduledAt.IsZero() || remaining <= 0 {
			delete(e.retrying, rec)
			if entry.bump {
				rec.retries++
			}
			e.enqueueLocked(rec)
			due++
			continue
		}
		e.armRetryLocked(rec, entry.scheduledAt, remaining, entry.bump)
	}
	e.mu.Unlock()

	if len(recs) > 0 {
		e.config.Logger.Info("Delivery resumed",
			"dispatched", due,
			"rescheduled", len(recs)-due)
	}
}

// abortAllLocked empties every set and returns the records that were
// pending, in fire order. e.mu must be held.
func (e *Engine) abortAllLocked() []*trackedEvent {
	recs := make([]*trackedEvent, 0, len(e.pending))
	for rec := range e.pending {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, bySeq)

	for _, entry := range e.retrying {
		entry.stop()
	}
	e.pending = make(map[*trackedEvent]struct{})
	e.retrying = make(map[*trackedEvent]*retryEntry)
	e.inFlight = nil
	e.queued = nil
	e.broadcastLocked()
	return recs
}
