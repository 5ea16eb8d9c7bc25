package transcoder

import (
	"errors"
	"log/slog"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// Teardown stops every stage, frees the process-allocated buffers and
// releases the handles. It runs once; later calls return the first
// result. Failures are collected, never retried.
func (t *Transcoder) Teardown() error {
	t.teardownOnce.Do(func() {
		t.teardownErr = t.teardown()
	})
	return t.teardownErr
}

func (t *Transcoder) teardown() error {
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	states := make(map[hwstage.Role]hwstage.State)
	for _, role := range hwstage.PipelineOrder {
		s := t.stages[role]
		if s == nil {
			continue
		}
		st, err := s.State()
		keep(err)
		states[role] = st
	}

	for _, role := range hwstage.PipelineOrder {
		if st := states[role]; st == hwstage.StateExecuting || st == hwstage.StatePause {
			if err := t.stages[role].RequestState(hwstage.StateIdle, hwstage.FireAndWait); err != nil {
				keep(err)
				continue
			}
			states[role] = hwstage.StateIdle
		}
	}
	for _, role := range hwstage.PipelineOrder {
		if states[role] == hwstage.StateIdle {
			keep(t.stages[role].RequestState(hwstage.StateLoaded, hwstage.FireAndForget))
		}
	}

	if t.pool != nil {
		keep(t.pool.Release())
		t.sh.pool.Store(nil)
	}
	if t.slot != nil {
		keep(t.slot.Release())
		t.sh.slot.Store(nil)
	}

	reverse := hwstage.ReverseOrder()
	for _, role := range reverse {
		if s := t.stages[role]; s != nil {
			keep(s.RequestState(hwstage.StateLoaded, hwstage.WaitOnly))
		}
	}
	for _, role := range reverse {
		if s := t.stages[role]; s != nil {
			keep(s.Free(t.core))
		}
	}

	t.logger.Debug("pipeline torn down", slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}
