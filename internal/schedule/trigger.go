package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates Trigger.
type TriggerKind int

const (
	// KindEvery fires at a fixed interval.
	KindEvery TriggerKind = iota

	// KindDaily fires once a day at a wall-clock time.
	KindDaily

	// KindWeekly fires once a week on a weekday at a wall-clock time.
	KindWeekly
)

// Trigger describes when a job fires. Build one with Every, DailyAt or WeeklyAt.
type Trigger struct {
	Kind TriggerKind

	// Interval and Immediate apply to KindEvery. Without Immediate the first
	// run happens one interval after Start.
	Interval  time.Duration
	Immediate bool

	// Hour, Minute and Weekday apply to the calendar kinds.
	Hour    int
	Minute  int
	Weekday time.Weekday
}

// Every fires every d. cron rounds intervals to whole seconds.
func Every(d time.Duration, immediate bool) Trigger {
	return Trigger{Kind: KindEvery, Interval: d, Immediate: immediate}
}

// DailyAt fires every day at hour:minute.
func DailyAt(hour, minute int) Trigger {
	return Trigger{Kind: KindDaily, Hour: hour, Minute: minute}
}

// WeeklyAt fires every week on day at hour:minute.
func WeeklyAt(day time.Weekday, hour, minute int) Trigger {
	return Trigger{Kind: KindWeekly, Weekday: day, Hour: hour, Minute: minute}
}

func (t Trigger) String() string {
	switch t.Kind {
	case KindEvery:
		return "every " + t.Interval.String()
	case KindDaily:
		return fmt.Sprintf("daily %02d:%02d", t.Hour, t.Minute)
	case KindWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", t.Weekday, t.Hour, t.Minute)
	default:
		return fmt.Sprintf("unknown(%d)", t.Kind)
	}
}

// compile turns the trigger into a cron schedule evaluated in loc.
func (t Trigger) compile(loc *time.Location) (cron.Schedule, error) {
	if t.Kind == KindEvery {
		if t.Interval < time.Second {
			return nil, fmt.Errorf("schedule: interval %s is below one second", t.Interval)
		}
		return cron.Every(t.Interval), nil
	}

	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return nil, fmt.Errorf("schedule: invalid time of day %02d:%02d", t.Hour, t.Minute)
	}

	var expr string
	switch t.Kind {
	case KindDaily:
		expr = fmt.Sprintf("%d %d * * *", t.Minute, t.Hour)
	case KindWeekly:
		if t.Weekday < time.Sunday || t.Weekday > time.Saturday {
			return nil, fmt.Errorf("schedule: invalid weekday %d", t.Weekday)
		}
		expr = fmt.Sprintf("%d %d * * %d", t.Minute, t.Hour, t.Weekday)
	default:
		return nil, fmt.Errorf("schedule: unknown trigger kind %d", t.Kind)
	}

	if loc != nil {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	return s, nil
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != len("15:04") {
		return 0, 0, fmt.Errorf("schedule: invalid clock %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full or three-letter English day names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("schedule: invalid weekday %q", s)
	}
	return d, nil
}
