package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"billing-api/internal/monitoring"
	"billing-api/internal/repository"
)

// LedgerAuditJob periodically cross-checks every balance against the last
// ledger entry of its user. A healthy system has balance_after on the latest
// entry equal to the stored current balance; any drift means a write path
// bypassed the adjustment engine and is worth an alert.
type LedgerAuditJob struct {
	balanceRepo     repository.BalanceRepository
	transactionRepo repository.TransactionRepository
	metrics         monitoring.MetricsService
	logger          *logrus.Logger

	schedule  string
	batchSize int
	cron      *cron.Cron
}

func NewLedgerAuditJob(
	balanceRepo repository.BalanceRepository,
	transactionRepo repository.TransactionRepository,
	metrics monitoring.MetricsService,
	logger *logrus.Logger,
	schedule string,
	batchSize int,
) *LedgerAuditJob {
	return &LedgerAuditJob{
		balanceRepo:     balanceRepo,
		transactionRepo: transactionRepo,
		metrics:         metrics,
		logger:          logger,
		schedule:        schedule,
		batchSize:       batchSize,
		cron:            cron.New(cron.WithSeconds()),
	}
}

// Start schedules the audit run. The job runs until Stop is called.
func (j *LedgerAuditJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.Run(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.WithField("schedule", j.schedule).Info("Ledger audit job scheduled")
	return nil
}

func (j *LedgerAuditJob) Stop() {
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
}

// Run performs one full audit sweep and returns the number of drifting
// balances found.
func (j *LedgerAuditJob) Run(ctx context.Context) int {
	start := time.Now()
	checked := 0
	drifted := 0

	for offset := 0; ; offset += j.batchSize {
		balances, err := j.balanceRepo.List(ctx, j.batchSize, offset)
		if err != nil {
			j.logger.WithError(err).Error("Ledger audit aborted while listing balances")
			return drifted
		}
		if len(balances) == 0 {
			break
		}

		for _, balance := range balances {
			checked++

			latest, err := j.transactionRepo.GetLatestByUser(ctx, balance.UserID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					// No movements yet; a fresh balance must still be zero.
					if !balance.CurrentBalance.IsZero() {
						j.reportDrift(balance.UserID, "no ledger entries", balance.CurrentBalance.String(), "0")
						drifted++
					}
					continue
				}
				j.logger.WithError(err).WithField("user_id", balance.UserID).
					Warn("Ledger audit skipped user")
				continue
			}

			if !latest.BalanceAfter.Equal(balance.CurrentBalance) {
				j.reportDrift(balance.UserID, latest.TransactionID,
					balance.CurrentBalance.String(), latest.BalanceAfter.String())
				drifted++
			}
		}

		if len(balances) < j.batchSize {
			break
		}
	}

	j.logger.WithFields(logrus.Fields{
		"checked":     checked,
		"drifted":     drifted,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Ledger audit sweep finished")

	return drifted
}

func (j *LedgerAuditJob) reportDrift(userID int64, latestTransactionID, balance, balanceAfter string) {
	j.metrics.RecordAuditDrift()
	j.logger.WithFields(logrus.Fields{
		"user_id":               userID,
		"latest_transaction_id": latestTransactionID,
		"current_balance":       balance,
		"ledger_balance_after":  balanceAfter,
	}).Error("Ledger drift detected")
}
