package instance

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/health"
	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/notify"
	"github.com/c360/memhook/preprocessor"
	"github.com/c360/memhook/property"
)

// run is the poll loop. After the first successful read it waits for Load to
// announce the mapper so no change is delivered ahead of OnMapperLoaded.
func (i *Instance) run(ctx context.Context, s *session) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.config.PollInterval)
	defer ticker.Stop()

	bootstrapped := false
	for {
		if err := i.poll(ctx, s); err == nil && !bootstrapped {
			bootstrapped = true
			s.markReady()
			select {
			case <-s.started:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one iteration: read every block, decrypt data blocks, decode all
// fields concurrently, then emit changes in mapper order.
func (i *Instance) poll(ctx context.Context, s *session) error {
	start := time.Now()

	result, err := s.driver.ReadBytes(ctx, s.blocks)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := errors.KindOf(err)
		if i.health != nil {
			i.health.RecordPoll(health.ComponentDriver, kind, err)
		}
		i.finishPoll(start, kind, err, false)
		i.driverFailed(ctx, s, err)
		return err
	}

	clear(s.timeouts)
	if i.health != nil {
		i.health.RecordPoll(health.ComponentDriver, errors.KindOK, nil)
	}

	frame := property.Frame{
		Schema: s.schema,
		Result: result,
		Cache:  preprocessor.BuildCache(s.bases, s.schema.Platform.Ranges, result),
	}

	outcomes := make([]property.Outcome, len(s.fields))
	errs := make([]error, len(s.fields))

	var g errgroup.Group
	g.SetLimit(i.config.DecodeConcurrency)
	for n, f := range s.fields {
		g.Go(func() error {
			outcomes[n], errs[n] = f.Process(ctx, frame)
			return nil
		})
	}
	_ = g.Wait()

	kind := errors.KindOK
	var firstErr error
	now := time.Now()

	for n, f := range s.fields {
		spec := f.Spec()

		if err := errs[n]; err != nil {
			kind = kind.Worse(errors.KindOf(err))
			if firstErr == nil {
				firstErr = err
			}
			if i.metrics != nil {
				i.metrics.RecordFieldError(string(spec.Type))
			}
			i.logger.Debug("Field decode failed", "path", spec.Path, "error", err)
			continue
		}

		out := outcomes[n]
		if out.Rewrote && i.metrics != nil {
			i.metrics.RecordFieldRewrite()
		}
		if !out.Changed {
			continue
		}
		if i.metrics != nil {
			i.metrics.RecordFieldChange(string(spec.Type))
		}
		if s.initialized.Load() {
			i.emitChange(ctx, out.Snapshot, now)
		}
	}

	i.finishPoll(start, kind, firstErr, true)
	return nil
}

func (i *Instance) emitChange(ctx context.Context, snap property.Snapshot, at time.Time) {
	change := notify.PropertyChange{
		Path:    snap.Path,
		Type:    string(snap.Type),
		Address: snap.Address,
		Value:   snap.Value,
		Bytes:   snap.Bytes,
		Frozen:  snap.Frozen,
		Time:    at,
	}
	if err := i.notifier.OnPropertyChanged(ctx, change); err != nil {
		i.logger.Warn("Property change notification failed", "path", snap.Path, "error", err)
	}
}

func (i *Instance) finishPoll(start time.Time, kind errors.Kind, err error, read bool) {
	now := time.Now()

	i.statusMu.Lock()
	i.status.Iterations++
	i.status.Kind = kind
	i.status.KindName = kind.String()
	i.status.Err = err
	if read {
		i.status.LastRead = now
	}
	i.statusMu.Unlock()

	if i.metrics != nil {
		i.metrics.RecordPoll(kind.String(), now.Sub(start))
		if read {
			i.metrics.RecordSuccessfulRead(now)
		}
	}
	if i.health != nil {
		i.health.RecordPoll(health.ComponentInstance, kind, err)
	}
}

// driverFailed tells clients about a failed read. Timeouts are counted per
// address and only reported once an address reaches the threshold; all
// reports are throttled and none are sent before the mapper is loaded.
func (i *Instance) driverFailed(ctx context.Context, s *session, err error) {
	problem := notify.ProblemDetails{
		Title:  notify.TitleDriverError,
		Detail: "An unknown driver error was encountered when reading memory.",
		Kind:   errors.KindOf(err).String(),
		Driver: s.driver.Name(),
		Time:   time.Now(),
	}

	var timeout *errors.DriverTimeoutError
	if stderrors.As(err, &timeout) {
		addr := timeout.Address
		s.timeouts[addr]++
		count := s.timeouts[addr]
		i.logger.Debug("Driver read timed out", "address", fmt.Sprintf("0x%X", addr), "consecutive", count)
		if count < i.config.DriverTimeoutThreshold {
			return
		}
		problem.Title = notify.TitleDriverTimeout
		problem.Detail = fmt.Sprintf("No response reading 0x%X after %d attempts.", addr, count)
		problem.Address = &addr
	} else {
		i.logger.Debug("Driver read failed", "error", err)
	}

	if !s.initialized.Load() || !i.limiter.Allow() {
		return
	}

	i.logger.Warn("Driver read failed", "driver", problem.Driver, "title", problem.Title, "error", err)
	if nerr := i.notifier.OnDriverError(ctx, problem); nerr != nil {
		i.logger.Warn("Driver error notification failed", "error", nerr)
	}
}

// nopNotifier drops every event
type nopNotifier struct{}

func (nopNotifier) OnMapperLoading(context.Context) error                          { return nil }
func (nopNotifier) OnMapperLoaded(context.Context, mapper.Meta) error              { return nil }
func (nopNotifier) OnPropertyChanged(context.Context, notify.PropertyChange) error { return nil }
func (nopNotifier) OnPropertyFrozen(context.Context, string) error                 { return nil }
func (nopNotifier) OnPropertyUnfrozen(context.Context, string) error               { return nil }
func (nopNotifier) OnDriverError(context.Context, notify.ProblemDetails) error     { return nil }
