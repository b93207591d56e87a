package watcher

import "context"

// resolved is a batch already folded into the registry, waiting for its observers.
type resolved struct {
	deliveries []Delivery
	ack        chan struct{}
}

// detect runs one backend. Each batch is applied to the registry here, before the backend
// looks again, so a delivery queue backed up behind a slow observer never makes a scan compare
// against stale snapshots. A native backend that fails outright is disabled and its paths
// move to polling.
func (s *Service) detect(rs *runState, b Backend, q chan<- resolved) error {
	err := b.Run(rs.ctx, func(ctx context.Context, batch Batch) bool {
		if ctx.Err() != nil {
			return false
		}
		out := resolved{deliveries: s.apply(rs, batch), ack: batch.ack}
		select {
		case q <- out:
			return true
		case <-ctx.Done():
			return false
		}
	})
	if err == nil || rs.ctx.Err() != nil || b == Backend(rs.polling) {
		return nil
	}

	s.logger.Error("native backend failed, moving its paths to polling", "backend", b.Name(), "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.registry.Reassign(b.Name(), backendPolling)
	for _, ve := range moved {
		if snap, err := takeSnapshot(ve.Path); err == nil {
			s.registry.ApplySnapshotUpdate(SnapshotUpdate{Snapshot: snap, Generation: ve.Generation})
		}
	}
	rs.disabled = true
	rs.nativeErr = err
	return nil
}

// apply folds b into the registry, hands lost native roots to polling and returns the
// deliveries that survive the ignore rules.
func (s *Service) apply(rs *runState, b Batch) []Delivery {
	res := s.registry.Apply(b)

	for _, path := range res.Lost {
		s.mu.Lock()
		if s.state == StateRunning && rs.native != nil {
			s.logger.Debug("native root gone, polling for re-creation", "path", path)
			s.removeNative(rs, path)
			s.registry.Assign(path, backendPolling)
		}
		s.mu.Unlock()
	}

	out := res.Deliveries[:0]
	for _, d := range res.Deliveries {
		if d.Event.Type != EventError && s.opts.shouldIgnore(d.Event.Path) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// dispatch delivers one backend's resolved batches in order. Cancellation wins over a
// queued batch.
func (s *Service) dispatch(rs *runState, q <-chan resolved) {
	for {
		select {
		case <-rs.ctx.Done():
			return
		case r := <-q:
			if rs.ctx.Err() != nil {
				return
			}
			s.deliver(rs, r)
		}
	}
}

func (s *Service) deliver(rs *runState, r resolved) {
	if r.ack != nil {
		defer close(r.ack)
	}

	for _, d := range r.deliveries {
		s.logger.Log(rs.ctx, levelTrace, "event", "type", d.Event.Type.String(), "path", d.Event.Path, "observers", len(d.Observers))
		for _, o := range d.Observers {
			if rs.ctx.Err() != nil {
				return
			}
			s.invoke(o, d.Event)
		}
	}
}

// invoke calls one observer, containing a panic so the delivery goroutine survives.
func (s *Service) invoke(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil && s.limiter.Allow(e.Path) {
			s.logger.Warn("observer panicked", "path", e.Path, "event", e.Type.String(), "panic", r)
		}
	}()
	o.OnChange(e)
}
