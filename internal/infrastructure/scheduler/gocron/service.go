package timescheduler

import (
	"time"

	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

// ScheduleTaskOnce runs the task right away if the given time is already past.
func (s *service) ScheduleTaskOnce(at time.Time, task func()) error {
	delay := time.Until(at)
	if delay <= 0 {
		go task()
		return nil
	}

	_, err := s.scheduler.Every(delay).WaitForSchedule().LimitRunsTo(1).Do(task)
	return err
}

// ScheduleEvery skips a run if the previous one is still going.
func (s *service) ScheduleEvery(interval time.Duration, task func()) error {
	job, err := s.scheduler.Every(interval).WaitForSchedule().SingletonMode().Do(task)
	if err != nil {
		return err
	}
	log.Debugf("scheduled task every %s, next run at %s", interval, job.NextRun())
	return nil
}
