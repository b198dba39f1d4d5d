package scheduler

import "github.com/robfig/cron/v3"

// CronParser wraps robfig/cron for schedule-only usage. The check loop does
// its own timing so an in-flight update is never overlapped by the next tick.
type CronParser struct {
	parser cron.Parser
}

// NewCronParser creates a parser supporting standard 5-field cron with
// descriptors such as "@hourly" and "@every 6h".
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Parse returns the schedule for expression.
func (p *CronParser) Parse(expression string) (cron.Schedule, error) {
	return p.parser.Parse(expression)
}

// Validate checks if a cron expression is valid
func (p *CronParser) Validate(expression string) error {
	_, err := p.parser.Parse(expression)
	return err
}
