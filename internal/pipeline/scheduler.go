package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler fires the whole pipeline on a fixed interval. Jobs run in
// singleton mode so a slow run is never overlapped by the next tick.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    *Runner
	interval  time.Duration
}

func NewScheduler(runner *Runner, interval time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		interval:  interval,
	}
}

// Run runs the pipeline immediately and then every interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	_, err := s.scheduler.Every(s.interval).Do(func() {
		log.Println("scheduler: running pipeline")
		if _, err := s.runner.Run(ctx); err != nil {
			log.Printf("scheduler: pipeline: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule pipeline every %s: %w", s.interval, err)
	}

	s.scheduler.StartAsync()
	log.Printf("scheduler: pipeline scheduled every %s", s.interval)

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	s.scheduler.Stop()
	return nil
}
