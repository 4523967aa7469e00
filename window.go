package photo

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog/log"
)

// OperatingWindow decides whether a wall-clock instant falls inside the
// hours the site captures.
type OperatingWindow interface {
	Contains(t time.Time) bool
	String() string
}

// HoursWindow admits instants whose hour lies in [Start, End).
type HoursWindow struct {
	Start int
	End   int
}

func (w HoursWindow) Contains(t time.Time) bool {
	h := t.Hour()
	return h >= w.Start && h < w.End
}

func (w HoursWindow) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", w.Start, w.End)
}

// CronWindow admits instants whose minute matches a cron expression, e.g.
// "* 6-11,13-17 * * 1-5" for weekday mornings and afternoons.
type CronWindow struct {
	Expr string
}

func (w CronWindow) Contains(t time.Time) bool {
	due, err := gronx.New().IsDue(w.Expr, t.Truncate(time.Minute))
	if err != nil {
		log.Warn().Err(err).Str("component", "scheduler").Str("operating_cron", w.Expr).
			Msg("operating window expression rejected, treating as closed")
		return false
	}
	return due
}

func (w CronWindow) String() string {
	return "cron(" + w.Expr + ")"
}

