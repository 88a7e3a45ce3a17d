// Package sweep hosts the two scheduled cleanup jobs: the password vault
// sweep and the archived-source pool sweep. Both run on five-field cron
// schedules and append their outcomes to a shared run log.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Schedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type Schedule struct {
	raw    string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
	domAny bool
	dowAny bool
}

// ParseSchedule parses expr. Each field accepts *, */n, a, a-b, a-b/n
// and comma lists. Day-of-week 7 is an alias for Sunday.
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("sweep: cron %q: want 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{raw: expr}
	specs := []struct {
		out  *uint64
		min  int
		max  int
		name string
	}{
		{&s.minute, 0, 59, "minute"},
		{&s.hour, 0, 23, "hour"},
		{&s.dom, 1, 31, "day of month"},
		{&s.month, 1, 12, "month"},
		{&s.dow, 0, 7, "day of week"},
	}
	for i, spec := range specs {
		mask, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("sweep: cron %q: %s: %w", expr, spec.name, err)
		}
		*spec.out = mask
	}
	if s.dow&(1<<7) != 0 {
		s.dow |= 1
		s.dow &^= 1 << 7
	}
	s.domAny = fields[2] == "*"
	s.dowAny = fields[4] == "*"
	return s, nil
}

func parseField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		m, err := parsePart(part, min, max)
		if err != nil {
			return 0, err
		}
		mask |= m
	}
	return mask, nil
}

func parsePart(part string, min, max int) (uint64, error) {
	step := 1
	stepped := false
	if i := strings.IndexByte(part, '/'); i >= 0 {
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n < 1 {
			return 0, fmt.Errorf("bad step in %q", part)
		}
		step = n
		stepped = true
		part = part[:i]
	}

	lo, hi := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		b, a, ok := strings.Cut(part, "-")
		if !ok {
			return 0, fmt.Errorf("bad range %q", part)
		}
		var err1, err2 error
		lo, err1 = strconv.Atoi(b)
		hi, err2 = strconv.Atoi(a)
		if err1 != nil || err2 != nil {
			return 0, fmt.Errorf("bad range %q", part)
		}
	default:
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("bad value %q", part)
		}
		lo = n
		if !stepped {
			hi = n
		}
	}

	if lo < min || hi > max || lo > hi {
		return 0, fmt.Errorf("value %q out of range %d-%d", part, min, max)
	}
	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

// Next returns the first time strictly after t the schedule fires, at
// minute resolution. The zero time means the schedule can never fire
// (an impossible date like February 30th).
func (s *Schedule) Next(t time.Time) time.Time {
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := cur.AddDate(4, 0, 0)

	for cur.Before(limit) {
		if !s.dateMatches(cur) {
			y, m, d := cur.Date()
			cur = time.Date(y, m, d+1, 0, 0, 0, 0, cur.Location())
			continue
		}
		if s.hour&bit(cur.Hour()) == 0 {
			cur = cur.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if s.minute&bit(cur.Minute()) == 0 {
			cur = cur.Add(time.Minute)
			continue
		}
		return cur
	}
	return time.Time{}
}

// dateMatches applies the classic cron rule: when both day fields are
// restricted, either one matching is enough.
func (s *Schedule) dateMatches(t time.Time) bool {
	if s.month&bit(int(t.Month())) == 0 {
		return false
	}
	domOK := s.dom&bit(t.Day()) != 0
	dowOK := s.dow&bit(int(t.Weekday())) != 0
	if !s.domAny && !s.dowAny {
		return domOK || dowOK
	}
	return domOK && dowOK
}

func bit(n int) uint64 { return 1 << uint(n) }

// runner drives one sweep job on its schedule.
type runner struct {
	name string

	mu      sync.Mutex
	sched   *Schedule
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newRunner(name string) *runner { return &runner{name: name} }

func (r *runner) start(ctx context.Context, expr string, job func(context.Context)) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("sweep: %s sweeper already running", r.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.sched = sched
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	go r.loop(runCtx, sched, job)

	slog.Info("sweeper scheduled",
		slog.String("sweeper", r.name),
		slog.String("cron", expr),
		slog.Time("next_run", sched.Next(time.Now())))
	return nil
}

func (r *runner) loop(ctx context.Context, sched *Schedule, job func(context.Context)) {
	defer close(r.done)
	for {
		next := sched.Next(time.Now())
		if next.IsZero() {
			slog.Error("schedule never fires",
				slog.String("sweeper", r.name),
				slog.String("cron", sched.raw))
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			job(ctx)
		}
	}
}

func (r *runner) stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
	slog.Info("sweeper stopped", slog.String("sweeper", r.name))
}

func (r *runner) nextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.sched == nil {
		return time.Time{}
	}
	return r.sched.Next(time.Now())
}

func (r *runner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
