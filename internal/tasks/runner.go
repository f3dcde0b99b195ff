// Package tasks runs the periodic reconciliation sweeps. Each task re-arms
// its own timer after the previous run completes, so a slow sweep never
// stacks concurrent runs of itself. Failures are logged and retried on the
// next tick; sweeps are written to be idempotent.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyborgflashtime/MusareNode/internal/clock"
)

// Func is one sweep pass. Returning an error only logs it.
type Func func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       Func

	mu      sync.Mutex
	paused  bool
	lastRan time.Time
	kick    chan struct{}
}

type Runner struct {
	clk clock.Clock

	mu    sync.Mutex
	tasks map[string]*task

	runs metric.Int64Counter
}

func NewRunner(clk clock.Clock) *Runner {
	meter := otel.Meter("tasks")
	runs, _ := meter.Int64Counter("task_runs_total",
		metric.WithDescription("Completed task runs by name and outcome"))
	return &Runner{
		clk:   clk,
		tasks: make(map[string]*task),
		runs:  runs,
	}
}

// Register adds a named task. Must be called before Run.
func (r *Runner) Register(name string, interval time.Duration, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = &task{
		name:     name,
		interval: interval,
		fn:       fn,
		kick:     make(chan struct{}, 1),
	}
	return nil
}

// Run executes every registered task on its interval until ctx is
// cancelled. It blocks.
func (r *Runner) Run(ctx context.Context) {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			r.loop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, t *task) {
	// First run happens right away; the interval spaces the runs after it.
	if !t.isPaused() {
		r.runOnce(ctx, t)
	}

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if !t.isPaused() {
			r.runOnce(ctx, t)
		}
		timer.Reset(t.interval)
	}
}

func (t *task) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (r *Runner) runOnce(ctx context.Context, t *task) {
	started := r.clk.Now()
	err := t.fn(ctx)

	t.mu.Lock()
	t.lastRan = started
	t.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Error("Task run failed", "task", t.name, "error", err)
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", t.name),
		attribute.String("outcome", outcome),
	))
}

// Pause suspends a task. Ticks while paused are skipped, not queued.
func (r *Runner) Pause(name string) {
	if t := r.get(name); t != nil {
		t.mu.Lock()
		t.paused = true
		t.mu.Unlock()
		slog.Info("Task paused", "task", name)
	}
}

// Resume reactivates a task. An overdue task runs immediately.
func (r *Runner) Resume(name string) {
	t := r.get(name)
	if t == nil {
		return
	}
	t.mu.Lock()
	t.paused = false
	overdue := r.clk.Now().Sub(t.lastRan) >= t.interval
	t.mu.Unlock()
	slog.Info("Task resumed", "task", name, "overdue", overdue)
	if overdue {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// LastRan reports when the task last started, zero if it never ran.
func (r *Runner) LastRan(name string) time.Time {
	t := r.get(name)
	if t == nil {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRan
}

func (r *Runner) get(name string) *task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[name]
}
