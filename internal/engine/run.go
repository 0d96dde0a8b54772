package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/pkg/logger"
)

// run drives f from its persisted cursor until it turns terminal or this
// worker gives it up.
func (e *Engine) run(ctx context.Context, f *domain.Flight) {
	log := e.log.With(logger.FlightID(f.ID), zap.String("type", f.Type))

	def, ok := e.definition(f.Type)
	if !ok {
		f.Status = domain.FlightStatusFatal
		f.ErrorMessage = fmt.Sprintf("flight type %q is not registered on this worker", f.Type)
		e.persist(ctx, log, f)
		return
	}
	fc := newFlightContext(f)

	for {
		if e.stopping.Load() {
			log.Info("Flight paused for shutdown", zap.Int("step", f.StepCursor))
			return
		}

		switch f.Direction {
		case domain.FlightDirectionDo:
			if f.StepCursor >= len(def.Steps) {
				fc.snapshot(f)
				f.Status = domain.FlightStatusSuccess
				if e.persist(ctx, log, f) {
					e.observer.FlightFinished(f.Type, f.Status)
					log.Info("Flight succeeded")
				}
				return
			}

			step := def.Steps[f.StepCursor]
			res, abandoned := e.execute(ctx, f, fc, step, domain.FlightDirectionDo, step.Do)
			if abandoned {
				return
			}
			if res.Outcome == OutcomeSuccess {
				fc.snapshot(f)
				f.StepCursor++
				if !e.persist(ctx, log, f) {
					return
				}
				continue
			}

			log.Warn("Flight step failed, unwinding",
				zap.String("step", step.Name),
				zap.Int("index", f.StepCursor),
				zap.Error(res.Err),
			)
			fc.snapshot(f)
			f.FailedStep = f.StepCursor
			f.ErrorMessage = fmt.Sprintf("%s: %v", step.Name, res.Err)
			f.Direction = domain.FlightDirectionUndo
			f.StepCursor--
			if !e.persist(ctx, log, f) {
				return
			}

		case domain.FlightDirectionUndo:
			if f.StepCursor < 0 {
				fc.snapshot(f)
				f.Status = unwindStatus(def, f)
				if e.persist(ctx, log, f) {
					e.observer.FlightFinished(f.Type, f.Status)
					log.Warn("Flight unwound",
						zap.String("status", string(f.Status)),
						zap.String("error", f.ErrorMessage),
						zap.Strings("undo_errors", f.UndoErrors),
					)
				}
				return
			}

			step := def.Steps[f.StepCursor]
			if step.Undo != nil {
				res, abandoned := e.execute(ctx, f, fc, step, domain.FlightDirectionUndo, step.Undo)
				if abandoned {
					return
				}
				if res.Outcome != OutcomeSuccess {
					log.Warn("Undo failed, continuing unwind",
						zap.String("step", step.Name),
						zap.Int("index", f.StepCursor),
						zap.Error(res.Err),
					)
					f.UndoErrors = append(f.UndoErrors, fmt.Sprintf("%s: %v", step.Name, res.Err))
				}
			}
			fc.snapshot(f)
			f.StepCursor--
			if !e.persist(ctx, log, f) {
				return
			}

		default:
			f.Status = domain.FlightStatusFatal
			f.ErrorMessage = fmt.Sprintf("unknown flight direction %q", f.Direction)
			e.persist(ctx, log, f)
			return
		}
	}
}

// unwindStatus is ERROR when the failed step is retryable and every undo
// succeeded, FATAL otherwise.
func unwindStatus(def *Definition, f *domain.Flight) domain.FlightStatus {
	if f.FailedStep >= 0 && f.FailedStep < len(def.Steps) &&
		def.Steps[f.FailedStep].Retryable && len(f.UndoErrors) == 0 {
		return domain.FlightStatusError
	}
	return domain.FlightStatusFatal
}

// persist saves f. It returns false when the flight must be given up: the
// store failed, or another worker owns the flight now.
func (e *Engine) persist(ctx context.Context, log *zap.Logger, f *domain.Flight) bool {
	ok, err := e.store.SaveFlightProgress(ctx, f)
	if err != nil {
		// Left RUNNING; recovery relaunches it from the last saved cursor.
		log.Warn("Failed to persist flight progress", zap.Error(err))
		return false
	}
	if !ok {
		log.Warn("Flight ownership lost, stopping")
		return false
	}
	return true
}

// execute invokes fn with retries. abandoned is true when the engine is
// shutting down and the result must not be persisted.
func (e *Engine) execute(
	ctx context.Context,
	f *domain.Flight,
	fc *FlightContext,
	step Step,
	direction domain.FlightDirection,
	fn StepFunc,
) (res StepResult, abandoned bool) {
	backoff := e.cfg.DefaultBackoff
	if step.Backoff != nil {
		backoff = *step.Backoff
	}
	maxAttempts := backoff.Steps
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	fc.Step = f.StepCursor
	for attempt := 1; ; attempt++ {
		fc.Attempt = attempt
		res = e.invoke(ctx, f, fc, step, direction, fn)
		if ctx.Err() != nil {
			return res, true
		}
		if res.Outcome != OutcomeRetry {
			return res, false
		}
		if attempt >= maxAttempts {
			return Fatal(fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, res.Err)), false
		}

		delay := backoff.Step()
		e.log.Debug("Retrying flight step",
			logger.FlightID(f.ID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(res.Err),
		)
		if !e.sleep(ctx, delay) {
			return res, true
		}
	}
}

// sleep waits d. It returns false if the engine stops first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// invoke runs one attempt of fn inside a span. A panic is a fatal result.
func (e *Engine) invoke(
	ctx context.Context,
	f *domain.Flight,
	fc *FlightContext,
	step Step,
	direction domain.FlightDirection,
	fn StepFunc,
) (res StepResult) {
	ctx, span := e.tracer.Start(ctx, "flight."+string(direction)+"."+step.Name,
		trace.WithAttributes(
			attribute.String("flight.id", f.ID),
			attribute.String("flight.type", f.Type),
			attribute.String("flight.step", step.Name),
			attribute.Int("flight.step_index", f.StepCursor),
			attribute.Int("flight.attempt", fc.Attempt),
		),
	)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = Fatal(fmt.Errorf("step %s panicked: %v", step.Name, p))
		}
		if res.Outcome != OutcomeSuccess {
			span.SetStatus(codes.Error, res.Outcome.String())
			if res.Err != nil {
				span.RecordError(res.Err)
			}
		}
		span.SetAttributes(attribute.String("flight.outcome", res.Outcome.String()))
		span.End()
		e.observer.StepFinished(f.Type, step.Name, direction, res.Outcome, time.Since(start))
	}()

	res = fn(ctx, fc)
	if res.Outcome != OutcomeSuccess && res.Err == nil {
		res.Err = fmt.Errorf("step %s returned %s without an error", step.Name, res.Outcome)
	}
	return res
}
