package distribution

import (
	"strconv"
	"strings"
	"time"

	"matrixpub/internal/model"
)

// DefaultSlots are the publish times used when a task enables the timer
// without listing its own.
var DefaultSlots = []string{"06:00", "11:00", "14:00", "16:00", "22:00"}

// ScheduleGenerator spreads count items over days, perDay at a time, using
// the given "HH:MM" slots starting startDays days out. It must be
// deterministic for the same inputs and clock.
type ScheduleGenerator interface {
	Generate(count, perDay int, slots []string, startDays int) ([]time.Time, error)
}

// DailySlots places item i on day startDays+1+i/perDay (counted from the
// clock's current date) at slots[i%perDay].
type DailySlots struct {
	Now      func() time.Time
	Location *time.Location
	Defaults []string
}

func (g DailySlots) Generate(count, perDay int, slots []string, startDays int) ([]time.Time, error) {
	if count <= 0 {
		return nil, nil
	}
	if len(slots) == 0 {
		slots = g.Defaults
	}
	if len(slots) == 0 {
		slots = DefaultSlots
	}
	if perDay <= 0 {
		return nil, model.Validationf("videos per day must be > 0, got %d", perDay)
	}
	if perDay > len(slots) {
		return nil, model.Validationf("videos per day (%d) exceeds the %d daily time slots", perDay, len(slots))
	}
	if startDays < 0 {
		return nil, model.Validationf("start days must be >= 0, got %d", startDays)
	}

	parsed := make([][2]int, perDay)
	for i := 0; i < perDay; i++ {
		h, m, err := parseSlot(slots[i])
		if err != nil {
			return nil, err
		}
		parsed[i] = [2]int{h, m}
	}

	loc := g.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	y, mo, d := now().In(loc).Date()

	out := make([]time.Time, count)
	for i := 0; i < count; i++ {
		day := startDays + 1 + i/perDay
		s := parsed[i%perDay]
		out[i] = time.Date(y, mo, d+day, s[0], s[1], 0, 0, loc)
	}
	return out, nil
}

// parseSlot accepts "H:MM" or "HH:MM" in 24h form.
func parseSlot(raw string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, model.Validationf("invalid time slot %q (want HH:MM)", raw)
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 || len(ms) != 2 {
		return 0, 0, model.Validationf("invalid time slot %q (want HH:MM)", raw)
	}
	return h, m, nil
}

// ValidSlot reports whether raw is a usable "HH:MM" slot.
func ValidSlot(raw string) bool {
	_, _, err := parseSlot(raw)
	return err == nil
}
