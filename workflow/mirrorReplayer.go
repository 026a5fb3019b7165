package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PendingReplayer is the slice of repository.Tiered the replayer drives.
type PendingReplayer interface {
	ReplayPending(ctx context.Context) (repository.ReplayStats, error)
}

// MirrorReplayer periodically pushes writes that only reached the local mirror back to
// the remote store. Best-effort: a write that keeps failing stays queued until the
// queue overflows.
type MirrorReplayer struct {
	Source     PendingReplayer
	Logger     *logrus.Logger
	ReplayerID string

	PollInterval time.Duration
	MaxBackoff   time.Duration
}

func NewMirrorReplayer(source PendingReplayer, logger *logrus.Logger, interval time.Duration) *MirrorReplayer {
	return &MirrorReplayer{
		Source:       source,
		Logger:       logger,
		ReplayerID:   uuid.NewString(),
		PollInterval: interval,
		MaxBackoff:   5 * time.Minute,
	}
}

func (r *MirrorReplayer) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	wait := r.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if r.replayOnce(ctx) {
			wait = r.PollInterval
		} else {
			wait = r.nextBackoff(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// replayOnce returns false when the remote store is still unreachable.
func (r *MirrorReplayer) replayOnce(ctx context.Context) bool {
	if r.Source == nil {
		return true
	}
	stats, err := r.Source.ReplayPending(ctx)
	if stats.Replayed > 0 || stats.Dropped > 0 {
		r.Logger.WithFields(logrus.Fields{
			"field":       "mirrorReplayer",
			"replayer_id": r.ReplayerID,
			"stats":       stats.String(),
		}).Info("replayed degraded writes")
	}
	if err != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":       "mirrorReplayer",
			"replayer_id": r.ReplayerID,
			"remaining":   stats.Remaining,
		}).Warn("remote store still unavailable: " + err.Error())
		return false
	}
	return true
}

func (r *MirrorReplayer) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next <= 0 {
		next = r.PollInterval
	}
	if r.MaxBackoff > 0 && next > r.MaxBackoff {
		next = r.MaxBackoff
	}
	return next
}
