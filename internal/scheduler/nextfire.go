package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"

	"github.com/a2aflow/host/internal/common/apperror"
)

// computeNextFire returns the next time sched should fire at or after now, in
// sched's own Timezone. Returns (zero, false) when the schedule has no
// further occurrences (TypeOnce already run).
func computeNextFire(sched *Schedule, now time.Time) (time.Time, bool, error) {
	loc, err := loadLocation(sched.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}
	now = now.In(loc)

	switch sched.Type {
	case TypeOnce:
		if sched.RunAt == nil {
			return time.Time{}, false, apperror.New(apperror.KindValidation, "once schedule missing run_at")
		}
		if sched.RunCount > 0 {
			return time.Time{}, false, nil
		}
		return sched.RunAt.In(loc), true, nil

	case TypeInterval:
		if sched.IntervalMinutes <= 0 {
			return time.Time{}, false, apperror.New(apperror.KindValidation, "interval schedule missing interval_minutes")
		}
		if sched.LastRunAt == nil {
			return now, true, nil
		}
		next := sched.LastRunAt.In(loc).Add(time.Duration(sched.IntervalMinutes) * time.Minute)
		return next, true, nil

	case TypeDaily:
		next, err := nextDailyOccurrence(sched.TimeOfDay, now, nil, 0)
		return next, true, err

	case TypeWeekly:
		if len(sched.DaysOfWeek) == 0 {
			return time.Time{}, false, apperror.New(apperror.KindValidation, "weekly schedule missing days_of_week")
		}
		next, err := nextDailyOccurrence(sched.TimeOfDay, now, sched.DaysOfWeek, 0)
		return next, true, err

	case TypeMonthly:
		if sched.DayOfMonth <= 0 {
			return time.Time{}, false, apperror.New(apperror.KindValidation, "monthly schedule missing day_of_month")
		}
		next, err := nextDailyOccurrence(sched.TimeOfDay, now, nil, sched.DayOfMonth)
		return next, true, err

	case TypeCron:
		if sched.CronExpr == "" {
			return time.Time{}, false, apperror.New(apperror.KindValidation, "cron schedule missing cron expression")
		}
		next, err := gronx.NextTickAfter(sched.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false, apperror.Wrap(apperror.KindValidation, "invalid cron expression", err)
		}
		return next, true, nil

	default:
		return time.Time{}, false, apperror.New(apperror.KindValidation, "unknown schedule type: "+string(sched.Type))
	}
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "invalid timezone: "+tz, err)
	}
	return loc, nil
}

// nextDailyOccurrence finds the next time matching timeOfDay ("HH:MM") that
// is >= from, optionally restricted to a set of weekdays or a single day of
// month. Exactly one of days/dayOfMonth should be meaningfully set; both
// empty/zero means every day.
func nextDailyOccurrence(timeOfDay string, from time.Time, days []time.Weekday, dayOfMonth int) (time.Time, error) {
	hour, min, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	allowed := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		allowed[d] = true
	}

	for offset := 0; offset < 366; offset++ {
		candidateDay := from.AddDate(0, 0, offset)
		candidate := time.Date(candidateDay.Year(), candidateDay.Month(), candidateDay.Day(), hour, min, 0, 0, from.Location())
		if candidate.Before(from) {
			continue
		}
		if len(allowed) > 0 && !allowed[candidate.Weekday()] {
			continue
		}
		if dayOfMonth > 0 && candidate.Day() != dayOfMonth {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, apperror.New(apperror.KindValidation, "no matching occurrence found within one year")
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, apperror.New(apperror.KindValidation, "empty time_of_day")
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, apperror.Wrap(apperror.KindValidation, "invalid time_of_day (want HH:MM)", err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, apperror.New(apperror.KindValidation, "time_of_day out of range")
	}
	return hour, minute, nil
}

// sortByNextRun orders schedules by NextRunAt ascending, nils last — used by
// ListUpcoming.
func sortByNextRun(schedules []*Schedule) {
	sort.SliceStable(schedules, func(i, j int) bool {
		a, b := schedules[i].NextRunAt, schedules[j].NextRunAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.Before(*b)
	})
}
