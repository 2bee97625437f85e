package review

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
)

// autoAccepter transitions overdue pending items in one statement.
type autoAccepter interface {
	AutoAcceptDue(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper expires overdue PENDING items to AUTO_ACCEPTED. Auto-accepted
// items never feed the precision calculation; the sweep only stops stale
// alerts from piling up in the operators' queue.
type Sweeper struct {
	reviews  autoAccepter
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSweeper(reviews autoAccepter, cfg configs.FeedbackConfig) *Sweeper {
	return &Sweeper{
		reviews:  reviews,
		interval: cfg.SweepInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	log.Info().Dur("interval", s.interval).Msg("Auto-accept sweeper started")
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.reviews.AutoAcceptDue(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("Auto-accept sweep failed")
		return
	}
	if n > 0 {
		metrics.AutoAcceptedTotal.Add(float64(n))
		log.Info().Int64("count", n).Msg("Review items auto-accepted")
	}
}
