package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/onboard_backend/models"
	"github.com/mmdatafocus/onboard_backend/utils"
	"github.com/sirupsen/logrus"
)

// Retry contract for the onboarding queue: 3 total attempts per job with a
// fixed 10 second backoff between them.
const (
	OnboardingMaxAttempts  = 3
	OnboardingRetryBackoff = 10 * time.Second
)

// onboardingDelay stands in for the external-system calls a real onboarding
// would make.
const onboardingDelay = 100 * time.Millisecond

// onboardingResult is the typed outcome of one run of the onboarding
// procedure. The worker consumes it explicitly to decide what to persist
// and whether to signal the queue for a retry.
type onboardingResult struct {
	OK     bool
	Reason string
}

// OnboardingWorker drives one organization through the onboarding state
// machine per job delivery.
type OnboardingWorker struct {
	Store  OrganizationStore
	Logger *logrus.Logger

	// Delay overrides onboardingDelay; tests set it to zero.
	Delay time.Duration
}

func NewOnboardingWorker(store OrganizationStore, logger *logrus.Logger) *OnboardingWorker {
	return &OnboardingWorker{
		Store:  store,
		Logger: logger,
		Delay:  onboardingDelay,
	}
}

// Handle runs the state machine for one delivery:
//
//	pending/failed -> processing -> completed | failed
//
// A missing row and the completed/processing guards are benign no-ops. The
// processing claim is persisted before the onboarding procedure runs, so a
// crash mid-procedure leaves the row observably processing. A returned
// error means the queue should retry.
func (w *OnboardingWorker) Handle(ctx context.Context, job OnboardingJob) error {
	org, err := w.Store.FindById(ctx, job.OrganizationId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			w.Logger.WithFields(logrus.Fields{
				"organization_id": job.OrganizationId,
			}).Warn("organization not found for processing")
			return nil
		}
		return err
	}

	fields := logrus.Fields{
		"batch_id":        org.BatchId,
		"organization_id": org.ID,
		"domain":          org.Domain,
	}

	switch org.Status {
	case models.OrganizationStatusCompleted:
		w.Logger.WithFields(fields).Info("organization already processed, skipping")
		return nil
	case models.OrganizationStatusProcessing:
		w.Logger.WithFields(fields).Info("organization already being processed, skipping")
		return nil
	}

	claimed, err := w.Store.MarkProcessing(ctx, org.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another delivery won the conditional update between our read and
		// this write; treat exactly like the processing guard above.
		w.Logger.WithFields(fields).Info("organization claimed by a concurrent attempt, skipping")
		return nil
	}

	w.Logger.WithFields(fields).Info("processing organization onboarding")

	res := w.performOnboarding(ctx, org.Domain, org.ContactEmail)
	if !res.OK {
		if err := w.Store.MarkFailed(ctx, org.ID, res.Reason); err != nil {
			return err
		}
		w.Logger.WithFields(fields).Error("organization onboarding failed: " + res.Reason)
		return errors.New(res.Reason)
	}

	if err := w.Store.MarkCompleted(ctx, org.ID); err != nil {
		return err
	}
	w.Logger.WithFields(fields).Info("organization onboarding completed")
	return nil
}

// performOnboarding is the business validation step. Deliberately simple:
// a fixed delay standing in for external-system work, then shape checks.
func (w *OnboardingWorker) performOnboarding(ctx context.Context, domain string, contactEmail *string) onboardingResult {
	if w.Delay > 0 {
		select {
		case <-ctx.Done():
			return onboardingResult{Reason: ctx.Err().Error()}
		case <-time.After(w.Delay):
		}
	}

	if domain == "" {
		return onboardingResult{Reason: "domain is required for onboarding"}
	}
	if contactEmail != nil && *contactEmail != "" && !utils.IsValidEmail(*contactEmail) {
		return onboardingResult{Reason: "invalid email format"}
	}
	return onboardingResult{OK: true}
}

// HandlePermanentFailure is the terminal-failure callback, invoked once the
// retry budget is exhausted. It force-sets failed regardless of current
// status and is safe to run when the organization no longer exists or is
// already failed.
func (w *OnboardingWorker) HandlePermanentFailure(ctx context.Context, job OnboardingJob, cause error, attempts int) {
	org, err := w.Store.FindById(ctx, job.OrganizationId)
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			w.Logger.WithFields(logrus.Fields{
				"organization_id": job.OrganizationId,
			}).Error("failed to load organization for permanent failure: " + err.Error())
		}
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := w.Store.ForceFail(ctx, org.ID, reason); err != nil {
		w.Logger.WithFields(logrus.Fields{
			"organization_id": org.ID,
		}).Error("failed to record permanent failure: " + err.Error())
		return
	}

	w.Logger.WithFields(logrus.Fields{
		"batch_id":        org.BatchId,
		"organization_id": org.ID,
		"domain":          org.Domain,
		"error":           reason,
		"attempts":        attempts,
	}).Error("organization onboarding job failed permanently")
}
