package alerts

import (
	"context"
	"strings"
	"time"

	"lmnop/internal/ha"

	"go.uber.org/zap"
)

// removalTimeout bounds one queued job, including the light restore
const removalTimeout = 2 * time.Minute

// queuedJob is one unit of work for the removal worker
type queuedJob struct {
	// alertID is a dismissed notification to remove
	alertID string
	// resync re-checks every tracked alert against the live notifications
	resync bool
}

// HandleNotificationsUpdate queues work for notification changes that concern
// this instance. It runs on the Home Assistant receive goroutine and never
// blocks: the queued work issues service calls that need that goroutine.
//
// A removed update queues the dismissed ids owned by this instance. A current
// update, sent whenever the subscription is (re)opened, queues a resync so
// dismissals missed while disconnected are caught up.
func (t *Tracker) HandleNotificationsUpdate(update ha.NotificationsUpdate) {
	switch update.Type {
	case ha.NotificationsRemoved:
		for _, id := range update.IDs() {
			if !strings.HasPrefix(id, t.config.Namespace) {
				continue
			}
			t.enqueue(queuedJob{alertID: id})
		}
	case ha.NotificationsCurrent:
		t.enqueue(queuedJob{resync: true})
	}
}

func (t *Tracker) enqueue(job queuedJob) {
	select {
	case t.queue <- job:
		t.logger.Debug("Queued notification update",
			zap.String("alert_id", job.alertID),
			zap.Bool("resync", job.resync))
	default:
		t.logger.Warn("Removal queue full, processing on a detached goroutine",
			zap.String("alert_id", job.alertID),
			zap.Bool("resync", job.resync))
		go t.process(job)
	}
}

// Start runs the removal worker
func (t *Tracker) Start() {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.worker(t.stopCh)
}

// Stop stops the removal worker and waits for the in-flight removal
func (t *Tracker) Stop() {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.runMu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) worker(stopCh <-chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case job := <-t.queue:
			t.process(job)
		}
	}
}

func (t *Tracker) process(job queuedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), removalTimeout)
	defer cancel()

	if job.resync {
		if _, err := t.SyncWithLive(ctx); err != nil {
			t.logger.Error("Failed to sync alerts with live notifications", zap.Error(err))
		}
		return
	}

	removed, err := t.Remove(ctx, job.alertID)
	if err != nil {
		t.logger.Error("Failed to remove dismissed alert",
			zap.String("alert_id", job.alertID),
			zap.Error(err))
		return
	}

	t.logger.Debug("Processed dismissed notification",
		zap.String("alert_id", job.alertID),
		zap.Bool("result", removed))
}
