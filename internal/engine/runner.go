package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"gridmind/internal/logging"
	"gridmind/internal/metrics"
	"gridmind/internal/percept"
)

// ErrTurnTimeout means the next observation frame did not arrive within the
// per-turn deadline. The run stops with the rule table exactly as of the
// last finalized turn.
var ErrTurnTimeout = errors.New("turn timed out")

// RunnerOptions tunes a replay run.
type RunnerOptions struct {
	// TurnTimeout bounds the wait for each frame plus its processing.
	// Zero or negative disables the deadline, which is the natural mode
	// for replaying a recorded session from a file.
	TurnTimeout time.Duration

	// BetweenTurns, when set, runs before each frame is awaited. The pack
	// watcher's drain hook goes here so reloads land between turns and the
	// single-writer rule holds.
	BetweenTurns func()
}

// Runner replays observation frames through an engine: JSONL frames in,
// JSONL decisions out, one turn per frame. A feed goroutine decodes ahead
// while the turn loop works; the engine itself is only ever called from the
// turn loop.
type Runner struct {
	engine  *Engine
	timeout time.Duration
	between func()
}

// NewRunner wraps an engine for a replay run.
func NewRunner(e *Engine, opts RunnerOptions) *Runner {
	return &Runner{
		engine:  e,
		timeout: opts.TurnTimeout,
		between: opts.BetweenTurns,
	}
}

// Run consumes frames from in until EOF, writing one decision line per
// frame to out. It returns nil on a clean end of input, ErrTurnTimeout when
// a frame misses the deadline, and the decode or context error otherwise.
// When the turn loop stops early and in is an io.Closer, in is closed to
// unblock the feed goroutine.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	frames := make(chan *percept.Frame)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frames)
		dec := json.NewDecoder(in)
		for n := 1; ; n++ {
			var f percept.Frame
			if err := dec.Decode(&f); err != nil {
				// A source closed by the turn loop's early exit is a
				// clean end of input, not a feed failure.
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
					return nil
				}
				return fmt.Errorf("decode frame %d: %w", n, err)
			}
			select {
			case frames <- &f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		if closer, ok := in.(io.Closer); ok {
			defer closer.Close()
		}
		enc := json.NewEncoder(out)
		for {
			if r.between != nil {
				r.between()
			}
			frame, err := r.nextFrame(ctx, frames)
			if err != nil {
				return err
			}
			if frame == nil {
				return nil // input exhausted
			}

			stepCtx, cancel := r.turnContext(ctx)
			decision, err := r.engine.Step(stepCtx, frame)
			cancel()
			if err != nil {
				return fmt.Errorf("turn %d: %w", r.engine.TurnLog().Len()+1, err)
			}
			if err := enc.Encode(decision); err != nil {
				return fmt.Errorf("encode decision: %w", err)
			}
		}
	})

	err := g.Wait()
	if err != nil {
		logging.EngineError("Run: stopped after %d turns: %v", r.engine.TurnLog().Len(), err)
		return err
	}
	logging.Session("Run: replay complete after %d turns", r.engine.TurnLog().Len())
	return nil
}

// nextFrame waits for the feed, bounded by the per-turn deadline. A nil
// frame with a nil error means the input is exhausted.
func (r *Runner) nextFrame(ctx context.Context, frames <-chan *percept.Frame) (*percept.Frame, error) {
	if r.timeout <= 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil, nil
			}
			return f, nil
		}
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		metrics.TurnFailures.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: no frame within %s", ErrTurnTimeout, r.timeout)
	case f, ok := <-frames:
		if !ok {
			return nil, nil
		}
		return f, nil
	}
}

func (r *Runner) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
