package program

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// PERIOD - One payout window of a program
// =============================================================================

// Period is a half-open window [Start, End) with its payment date.
// Key is stable and is embedded in ledger idempotency keys.
//
//	weekly:2026-10-12     ISO week starting Monday 12 Oct
//	biweekly:2026-10-12   two-week window anchored on Monday 1970-01-05
//	monthly:2026-10       calendar month
type Period struct {
	Key         string
	Start       time.Time
	End         time.Time
	PaymentDate time.Time
}

// biweeklyAnchor is the first Monday of the Unix epoch.
var biweeklyAnchor = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)

const oneDay = 24 * time.Hour

// ValidatePaymentDay checks the day against the frequency. Weekly and
// biweekly programs use ISO weekdays (Monday = 1 ... Sunday = 7); monthly
// programs use a day of month and are clamped to the month's last day.
func ValidatePaymentDay(f Frequency, paymentDay int) error {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly:
		if paymentDay < 1 || paymentDay > 7 {
			return &benefit.ValidationError{Field: "payment_day", Reason: fmt.Sprintf("must be 1-7 for %s programs, got %d", f, paymentDay)}
		}
	case FrequencyMonthly:
		if paymentDay < 1 || paymentDay > 31 {
			return &benefit.ValidationError{Field: "payment_day", Reason: fmt.Sprintf("must be 1-31 for monthly programs, got %d", paymentDay)}
		}
	default:
		return &benefit.ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", f)}
	}
	return nil
}

// PeriodFor returns the period containing t.
func PeriodFor(f Frequency, paymentDay int, t time.Time) (Period, error) {
	if err := ValidatePaymentDay(f, paymentDay); err != nil {
		return Period{}, err
	}
	d := truncateDay(t)

	switch f {
	case FrequencyWeekly:
		start := d.AddDate(0, 0, -isoWeekdayOffset(d))
		return Period{
			Key:         "weekly:" + start.Format("2006-01-02"),
			Start:       start,
			End:         start.AddDate(0, 0, 7),
			PaymentDate: start.AddDate(0, 0, paymentDay-1),
		}, nil

	case FrequencyBiweekly:
		days := int(d.Sub(biweeklyAnchor) / oneDay)
		window := floorDiv(days, 14)
		start := biweeklyAnchor.AddDate(0, 0, window*14)
		return Period{
			Key:         "biweekly:" + start.Format("2006-01-02"),
			Start:       start,
			End:         start.AddDate(0, 0, 14),
			PaymentDate: start.AddDate(0, 0, paymentDay-1),
		}, nil

	default:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)
		last := end.AddDate(0, 0, -1).Day()
		return Period{
			Key:         "monthly:" + start.Format("2006-01"),
			Start:       start,
			End:         end,
			PaymentDate: start.AddDate(0, 0, min(paymentDay, last)-1),
		}, nil
	}
}

// PeriodByKey parses a period key and checks it belongs to the frequency.
func PeriodByKey(f Frequency, paymentDay int, key string) (Period, error) {
	prefix, value, ok := strings.Cut(key, ":")
	if !ok || !strings.EqualFold(prefix, string(f)) {
		return Period{}, &benefit.ValidationError{Field: "period", Reason: fmt.Sprintf("%q is not a %s period", key, f)}
	}

	layout := "2006-01-02"
	if f == FrequencyMonthly {
		layout = "2006-01"
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return Period{}, &benefit.ValidationError{Field: "period", Reason: fmt.Sprintf("malformed period %q", key)}
	}

	p, err := PeriodFor(f, paymentDay, t)
	if err != nil {
		return Period{}, err
	}
	if !p.Start.Equal(t) {
		return Period{}, &benefit.ValidationError{Field: "period", Reason: fmt.Sprintf("%q does not start a %s period (did you mean %s?)", key, f, p.Key)}
	}
	return p, nil
}

// Due reports whether the program's current period has reached its payment date.
func Due(p Program, now time.Time) (Period, bool) {
	period, err := PeriodFor(p.Frequency, p.PaymentDay, now)
	if err != nil {
		return Period{}, false
	}
	return period, p.IsActive && !now.Before(period.PaymentDate)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// isoWeekdayOffset is the number of days since Monday.
func isoWeekdayOffset(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
