package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adhocore/gronx"
)

const DefaultLeaderboardCron = "0 0 * * 1"

// LeaderboardScheduler recomputes the cached leaderboards on a cron schedule
// so the first read of a new week is served warm.
type LeaderboardScheduler struct {
	board    *LeaderboardService
	cronExpr string
	loc      *time.Location
	stopChan chan struct{}
}

func NewLeaderboardScheduler(board *LeaderboardService, cronExpr string) (*LeaderboardScheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultLeaderboardCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid leaderboard cron expression: %s", cronExpr)
	}
	loc := time.UTC
	if board != nil {
		loc = board.Location()
	}
	return &LeaderboardScheduler{
		board:    board,
		cronExpr: cronExpr,
		loc:      loc,
		stopChan: make(chan struct{}),
	}, nil
}

func (s *LeaderboardScheduler) Start() {
	if s.board == nil {
		return
	}
	go s.loop()
	log.Printf("Leaderboard scheduler started (%s)", s.cronExpr)
}

func (s *LeaderboardScheduler) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

// NextRun returns the first scheduled tick strictly after now. The cron is
// read in the leaderboard's zone so the default tick lands on its week start.
func (s *LeaderboardScheduler) NextRun(now time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cronExpr, now.In(s.loc), false)
}

func (s *LeaderboardScheduler) loop() {
	// Warm on startup as well as by schedule.
	s.run()

	for {
		wait := 30 * time.Second
		next, err := s.NextRun(time.Now())
		if err != nil {
			log.Printf("leaderboard scheduler: next tick failed: %v", err)
		} else {
			wait = time.Until(next)
			if wait < time.Second {
				wait = time.Second
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			if err == nil {
				s.run()
			}
		}
	}
}

func (s *LeaderboardScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.board.Warm(ctx); err != nil {
		log.Printf("leaderboard scheduler: warm failed: %v", err)
	}
}
