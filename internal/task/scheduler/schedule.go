package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is either a cron expression or a fixed interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// String is the cron form handed to robfig/cron.
func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// ParseSchedule accepts a cron expression ("0 4 * * *", "@daily",
// "@every 30m") or a bare Go duration ("30m") meaning an interval.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	every, isEvery := strings.CutPrefix(s, "@every")
	isCron := !isEvery && (strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"))
	if isCron {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if !isEvery {
		every = s
	}
	d, err := time.ParseDuration(strings.TrimSpace(every))
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("schedule %q: want cron like \"0 4 * * *\" or a duration like \"30m\"", raw)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("schedule %q: interval must be positive", raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// cronParser accepts five or six (with seconds) fields and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const maxFirstRunJitter = 30 * time.Second

// delayedFirst fires once at first, then follows base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (d delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}

// build turns p into a cron.Schedule. Interval schedules get a per-name
// jitter on their first run so tasks added together do not fire together.
func (p ParsedSpec) build(name string, now time.Time) (cron.Schedule, error) {
	if p.Kind == SpecCron {
		return cronParser.Parse(p.Cron)
	}
	base := cron.Every(p.Every)
	window := min(p.Every, maxFirstRunJitter)
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	jitter := time.Duration(rng.Int64N(int64(window)))
	return delayedFirst{base: base, first: now.Add(p.Every + jitter)}, nil
}
