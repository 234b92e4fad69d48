package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// Job одна итерация периодической работы.
type Job func(ctx context.Context) error

// Service запускает работу один раз или по cron-расписанию.
type Service struct {
	loc *time.Location
	log zerolog.Logger
}

// NewService создаёт планировщик в часовом поясе timezone (пусто означает UTC).
func NewService(timezone string, logger zerolog.Logger) (*Service, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Service{loc: loc, log: logger}, nil
}

// Run выполняет job один раз, если spec пуст. Иначе запускает job по расписанию до отмены ctx;
// запуск пропускается, пока предыдущий не завершился.
func (s *Service) Run(ctx context.Context, name, spec string, job Job) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return job(ctx)
	}

	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(start)).Msg("schedule: запуск завершился ошибкой")
			return
		}
		s.log.Info().Str("job", name).Dur("elapsed", time.Since(start)).Msg("schedule: запуск завершён")
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	c.Start()
	s.log.Info().Str("job", name).Str("spec", spec).Str("tz", s.loc.String()).Msg("schedule: расписание запущено")
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Str("job", name).Msg("schedule: расписание остановлено")
	return nil
}

// ValidateSpec проверяет cron-выражение из пяти полей.
func ValidateSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}

func loadLocation(timezone string) (*time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, tz)
	}
	return loc, nil
}
