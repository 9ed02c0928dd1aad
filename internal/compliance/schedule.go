package compliance

import (
	"fmt"
	"strings"
)

// Schedule is a DEA controlled-substance schedule.
type Schedule string

const (
	ScheduleNone Schedule = "none"
	ScheduleI    Schedule = "I"
	ScheduleII   Schedule = "II"
	ScheduleIII  Schedule = "III"
	ScheduleIV   Schedule = "IV"
	ScheduleV    Schedule = "V"
)

var scheduleRank = map[Schedule]int{
	ScheduleI:   1,
	ScheduleII:  2,
	ScheduleIII: 3,
	ScheduleIV:  4,
	ScheduleV:   5,
}

// ParseSchedule accepts roman numerals, "C-II" style labels and
// numeric forms. Empty input means not controlled.
func ParseSchedule(s string) (Schedule, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "C-")
	v = strings.TrimPrefix(v, "C")
	switch v {
	case "", "NONE", "0":
		return ScheduleNone, nil
	case "I", "1":
		return ScheduleI, nil
	case "II", "2":
		return ScheduleII, nil
	case "III", "3":
		return ScheduleIII, nil
	case "IV", "4":
		return ScheduleIV, nil
	case "V", "5":
		return ScheduleV, nil
	}
	return "", fmt.Errorf("unknown DEA schedule %q", s)
}

// Controlled reports whether s is one of schedules I through V.
func (s Schedule) Controlled() bool { return scheduleRank[s] > 0 }

// Rank returns 1 for schedule I through 5 for schedule V, 0 otherwise.
func (s Schedule) Rank() int { return scheduleRank[s] }

// Authorizes reports whether a prescriber registered for s may prescribe
// target. Registration for schedule N covers N through V; schedule I is
// never prescribable.
func (s Schedule) Authorizes(target Schedule) bool {
	if !target.Controlled() {
		return true
	}
	if target == ScheduleI || !s.Controlled() {
		return false
	}
	return s.Rank() <= target.Rank()
}

// RefillCeiling is the most refills a prescription of schedule s may carry.
func (s Schedule) RefillCeiling() int {
	switch s {
	case ScheduleII:
		return 0
	case ScheduleIII, ScheduleIV:
		return 5
	default:
		return 11
	}
}

// AgeCeilingDays is how long after being written a prescription of
// schedule s stays valid.
func (s Schedule) AgeCeilingDays() int {
	switch s {
	case ScheduleII:
		return 30
	case ScheduleIII, ScheduleIV:
		return 180
	default:
		return 365
	}
}

// MaxScheduleIIDaySupply bounds the day supply of a schedule II fill.
const MaxScheduleIIDaySupply = 90
