// Package janitor runs periodic maintenance tasks on a cron schedule.
package janitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule is used for tasks registered without one.
const DefaultSchedule = "@every 1m"

// TaskStatus describes a registered task.
type TaskStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type task struct {
	name     string
	schedule string
	id       cron.EntryID
	fn       func()
}

// Janitor owns a cron scheduler and the tasks registered on it.
type Janitor struct {
	mu      sync.Mutex
	cron    *cron.Cron
	tasks   map[string]*task
	running bool
}

// New returns a stopped Janitor. Panicking tasks are recovered and a task
// never overlaps with its own previous run.
func New() *Janitor {
	logger := cronLogger{}
	return &Janitor{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		tasks: make(map[string]*task),
	}
}

// Add registers fn under name. An empty schedule means DefaultSchedule.
func (j *Janitor) Add(name, schedule string, fn func()) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}

	t := &task{name: name, schedule: schedule, fn: fn}
	id, err := j.cron.AddFunc(schedule, func() {
		start := time.Now()
		fn()
		log.Debug().Str("task", name).Dur("took", time.Since(start)).Msg("Maintenance task finished")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %q: %w", schedule, name, err)
	}
	t.id = id
	j.tasks[name] = t
	return nil
}

// Start begins running tasks on their schedules.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.cron.Start()
	j.running = true
	log.Info().Int("tasks", len(j.tasks)).Msg("Janitor started")
}

// Stop stops the scheduler and waits for running tasks to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return
	}
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.running = false
	log.Info().Msg("Janitor stopped")
}

// RunNow runs the named task synchronously, outside its schedule.
func (j *Janitor) RunNow(name string) error {
	j.mu.Lock()
	t, ok := j.tasks[name]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	t.fn()
	return nil
}

// Status lists registered tasks sorted by name.
func (j *Janitor) Status() []TaskStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]TaskStatus, 0, len(j.tasks))
	for _, t := range j.tasks {
		entry := j.cron.Entry(t.id)
		out = append(out, TaskStatus{Name: t.name, Schedule: t.schedule, Next: entry.Next, Prev: entry.Prev})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	ev := log.Trace()
	addFields(ev, keysAndValues)
	ev.Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	ev := log.Error().Err(err)
	addFields(ev, keysAndValues)
	ev.Msg("cron: " + msg)
}

func addFields(ev *zerolog.Event, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev.Interface(key, kv[i+1])
	}
}
