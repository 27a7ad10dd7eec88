package emergency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medrex/emergency-access/pkg/logger"
	"github.com/medrex/emergency-access/pkg/monitoring"
)

// Expirer is the sweep entrypoint the sweeper drives
type Expirer interface {
	ProcessExpiredEmergencyAccess(ctx context.Context) (int, error)
}

// ExpirySweeper periodically expires overdue grants. It shares no state with
// request handling; everything goes through the store.
type ExpirySweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   *logrus.Entry
	metrics  *monitoring.MetricsCollector

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewExpirySweeper creates a sweeper that runs every interval
func NewExpirySweeper(expirer Expirer, interval time.Duration, log *logger.Logger, metrics *monitoring.MetricsCollector) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		expirer:  expirer,
		interval: interval,
		logger:   log.WithComponent("expiry_sweeper"),
		metrics:  metrics,
	}
}

// Start runs one sweep immediately and then one per interval until Stop is
// called or ctx is cancelled. The sweeper can be started again after either.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("expiry sweeper already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stopChan, s.done)

	s.logger.WithField("interval", s.interval.String()).Info("Expiry sweeper started")
	return nil
}

// Stop halts the sweeper and waits for an in-flight sweep to finish
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("Expiry sweeper stopped")
}

// RunOnce performs a single sweep
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	count, err := s.expirer.ProcessExpiredEmergencyAccess(ctx)
	s.metrics.RecordSweep(count, err == nil, time.Since(start))

	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"expired": count,
			"error":   err.Error(),
		}).Error("Expiry sweep failed")
		return count, err
	}
	if count > 0 {
		s.logger.WithField("expired", count).Info("Expiry sweep completed")
	}
	return count, nil
}

func (s *ExpirySweeper) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		// a cancelled ctx ends the run without Stop; a newer Start owns s.done
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_, _ = s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			// errors are logged by RunOnce; the next tick retries
			_, _ = s.RunOnce(ctx)
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}
