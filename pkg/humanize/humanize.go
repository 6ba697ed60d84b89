// Human readable sizes and ages for listings
package humanize

import (
	"fmt"
	"math"
	"time"
)

var byteUnits = []struct {
	size   uint64
	suffix string
}{
	{1 << 50, "PiB"},
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "kiB"},
}

func Bytes(num uint64) string {
	for _, unit := range byteUnits {
		if num >= unit.size {
			return fmt.Sprintf("%.02f %s", float64(num)/float64(unit.size), unit.suffix)
		}
	}

	return fmt.Sprintf("%d B", num)
}

var durationUnits = []struct {
	length   time.Duration
	singular string
}{
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
	{time.Second, "second"},
}

// rounds to the largest unit that has at least one (rounded) whole
func Duration(dur time.Duration) string {
	for _, unit := range durationUnits {
		if amount := int(math.Round(float64(dur) / float64(unit.length))); amount > 0 {
			return plural(amount, unit.singular)
		}
	}

	return plural(int(dur.Milliseconds()), "millisecond")
}

// "3 hours ago", or "in 3 hours" for the future
func Relative(then time.Time, now time.Time) string {
	if then.After(now) {
		return "in " + Duration(then.Sub(now))
	}

	return Duration(now.Sub(then)) + " ago"
}

func plural(num int, singular string) string {
	if num == 1 {
		return fmt.Sprintf("%d %s", num, singular)
	}

	return fmt.Sprintf("%d %ss", num, singular)
}
