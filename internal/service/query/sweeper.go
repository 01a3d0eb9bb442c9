package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/capsule"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/metrics"
	auditsvc "github.com/yachaq/privacy-core/internal/service/audit"
)

// SweeperConfig carries the sweep loop tunables
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper enforces capsule TTLs and plan expiries in the background.
// Every pass expires capsules whose TTL passed, crypto-shreds expired
// capsules, and expires stale plans. Shredding is certified: the
// capsule.deleted receipt is chained first, then the certificate
// written, then the payload destroyed.
type Sweeper struct {
	plans    PlanRepository
	capsules CapsuleRepository
	auditor  auditsvc.Service
	cfg      SweeperConfig
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates the sweeper
func NewSweeper(plans PlanRepository, capsules CapsuleRepository, auditor auditsvc.Service, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		plans:    plans,
		capsules: capsules,
		auditor:  auditor,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce runs a single sweep pass. Errors on individual items are
// logged and skipped so one bad capsule cannot stall the TTL
// guarantee for the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.expireCapsules(ctx, now)
	s.shredExpired(ctx, now)
	s.expirePlans(ctx, now)
}

func (s *Sweeper) expireCapsules(ctx context.Context, now time.Time) {
	expired, err := s.capsules.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list expired capsules", zap.Error(err))
		return
	}
	for _, tc := range expired {
		if err := tc.MarkExpired(); err != nil {
			continue
		}
		if err := s.capsules.Update(ctx, tc); err != nil {
			s.logger.Error("failed to expire capsule",
				zap.String("capsule_id", tc.ID.String()), zap.Error(err))
		}
	}
}

func (s *Sweeper) shredExpired(ctx context.Context, now time.Time) {
	pending, err := s.capsules.ListPendingDeletion(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list capsules pending deletion", zap.Error(err))
		return
	}
	for _, tc := range pending {
		if err := s.shredOne(ctx, tc); err != nil {
			s.logger.Error("failed to shred capsule",
				zap.String("capsule_id", tc.ID.String()), zap.Error(err))
		}
	}
}

// shredOne destroys one capsule. The receipt is idempotency-keyed by
// capsule, so a crash between receipt and update re-runs cleanly: the
// retry gets the original receipt back and finishes the shred.
func (s *Sweeper) shredOne(ctx context.Context, tc *capsule.TimeCapsule) error {
	payloadHash, err := values.ComputeHashValue(tc.EncryptedPayload)
	if err != nil {
		return err
	}
	keyID := tc.EncryptionKeyID

	receipt, err := s.auditor.Append(ctx, auditsvc.AppendRequest{
		EventType:    audit.EventCapsuleDeleted,
		ActorID:      "sweeper",
		ActorType:    "system",
		ResourceID:   tc.ID.String(),
		ResourceType: "time_capsule",
		Details: map[string]interface{}{
			"payload_hash":     payloadHash.String(),
			"key_id_destroyed": keyID,
			"expired_at":       tc.ExpiresAt.Format(time.RFC3339),
		},
		IdempotencyKey: "capsule:deleted:" + tc.ID.String(),
	})
	if err != nil {
		return err
	}

	cert, err := capsule.NewDeletionCertificate(tc.ID, keyID, payloadHash, receipt.ID)
	if err != nil {
		return err
	}
	if err := s.capsules.InsertDeletionCertificate(ctx, cert); err != nil {
		// a certificate from an earlier partial shred already exists;
		// fall through and finish destroying the payload
		s.logger.Warn("deletion certificate already present",
			zap.String("capsule_id", tc.ID.String()), zap.Error(err))
	}

	if err := tc.Shred(receipt.ID); err != nil {
		return err
	}
	if err := s.capsules.Update(ctx, tc); err != nil {
		return err
	}

	metrics.CapsulesShredded.Inc()
	s.logger.Info("capsule shredded",
		zap.String("capsule_id", tc.ID.String()),
		zap.String("payload_hash", payloadHash.Truncate()))
	return nil
}

func (s *Sweeper) expirePlans(ctx context.Context, now time.Time) {
	stale, err := s.plans.ListStale(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list stale plans", zap.Error(err))
		return
	}
	for _, plan := range stale {
		if !plan.ExpireIfPast(now) {
			continue
		}
		if err := s.plans.Update(ctx, plan); err != nil {
			s.logger.Error("failed to expire plan",
				zap.String("plan_id", plan.ID.String()), zap.Error(err))
		}
	}
}
