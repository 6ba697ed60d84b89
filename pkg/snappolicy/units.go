package snappolicy

const (
	second    = 1
	minute    = 60 * second
	hour      = 60 * minute
	day       = 24 * hour
	week      = 7 * day
	fortnight = 2 * week
	month     = 31 * day
	year      = 365 * day
)

type unit struct {
	name    string
	seconds int64
}

// largest first, Normalized() picks the first one that divides evenly
var canonicalUnits = []unit{
	{"year", year},
	{"month", month},
	{"fortnight", fortnight},
	{"week", week},
	{"day", day},
	{"hour", hour},
	{"minute", minute},
	{"second", second},
}

var periodSynonyms = map[string]int64{
	"s":        second,
	"sec":      second,
	"secs":     second,
	"second":   second,
	"seconds":  second,
	"secondly": second,

	"min":      minute,
	"mins":     minute,
	"minute":   minute,
	"minutes":  minute,
	"minutely": minute,

	"h":      hour,
	"hr":     hour,
	"hrs":    hour,
	"hour":   hour,
	"hours":  hour,
	"hourly": hour,

	"d":     day,
	"day":   day,
	"days":  day,
	"daily": day,

	"w":      week,
	"wk":     week,
	"wks":    week,
	"week":   week,
	"weeks":  week,
	"weekly": week,

	"fortnight":   fortnight,
	"fortnights":  fortnight,
	"fortnightly": fortnight,

	"mo":      month,
	"month":   month,
	"months":  month,
	"monthly": month,

	"y":        year,
	"yr":       year,
	"yrs":      year,
	"year":     year,
	"years":    year,
	"yearly":   year,
	"annually": year,
}
