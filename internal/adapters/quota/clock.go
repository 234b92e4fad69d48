package quota

import "time"

// Clock источник времени; подменяется в тестах.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock реальные часы.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

const (
	// DefaultHourlyQuota бюджет GraphQL API на окно.
	DefaultHourlyQuota = 5000
	// DefaultWindow длительность окна квоты.
	DefaultWindow = time.Hour
	// maxWaitStep ограничивает один шаг ожидания, чтобы перепроверять состояние.
	maxWaitStep = 60 * time.Second
)
