package doser

import (
	"time"

	"github.com/teambition/rrule-go"
)

// ParseSchedule parses an RRULE string (e.g. "FREQ=HOURLY;INTERVAL=4") with
// DTSTART pinned to now. Empty string means no schedule.
func ParseSchedule(ruleStr string) (*rrule.RRule, error) {
	if ruleStr == "" {
		return nil, nil
	}
	start := time.Now().UTC().Format("20060102T150405Z")
	return rrule.StrToRRule("DTSTART=" + start + ";" + ruleStr)
}

// StartSchedule fires callback on each recurrence of the rule until quit
// closes or the rule runs out of occurrences.
func StartSchedule(ruleStr string, quit <-chan struct{}, callback func()) error {
	rr, err := ParseSchedule(ruleStr)
	if err != nil {
		return err
	}
	if rr == nil {
		return nil
	}
	go func() {
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		for {
			next := rr.After(time.Now(), false)
			if next.IsZero() {
				return
			}
			timer.Reset(time.Until(next))
			select {
			case <-timer.C:
				callback()
			case <-quit:
				return
			}
		}
	}()
	return nil
}
