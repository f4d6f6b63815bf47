package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/mmdatafocus/onboard_backend/queue"
	"github.com/mmdatafocus/onboard_backend/utils"
	"github.com/mmdatafocus/onboard_backend/workflow"
	"github.com/sirupsen/logrus"
)

// OnboardingProcessor drains the onboarding queue with a small pool of
// consumers. Duplicate delivery across consumers is tolerated: the worker's
// conditional processing claim makes the extra delivery a no-op.
type OnboardingProcessor struct {
	Queue   queue.Queue
	Worker  *workflow.OnboardingWorker
	Logger  *logrus.Logger
	Workers int
}

func NewOnboardingProcessor(q queue.Queue, worker *workflow.OnboardingWorker, logger *logrus.Logger) *OnboardingProcessor {
	return &OnboardingProcessor{
		Queue:   q,
		Worker:  worker,
		Logger:  logger,
		Workers: 4,
	}
}

// Run blocks until ctx is done.
func (p *OnboardingProcessor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Queue.Consume(ctx, p.handleMessage)
		}()
	}
	wg.Wait()
}

func (p *OnboardingProcessor) handleMessage(ctx context.Context, msg queue.Message) error {
	var job workflow.OnboardingJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		p.Logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
		}).Error("dropping malformed onboarding job: " + err.Error())
		// Poison message; retrying cannot help.
		return nil
	}

	procCtx := utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	return p.Worker.Handle(procCtx, job)
}

// onDeadMessage runs the terminal-failure callback once the retry budget is
// exhausted.
func (p *OnboardingProcessor) onDeadMessage(ctx context.Context, msg queue.Message, cause error) {
	var job workflow.OnboardingJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		p.Logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
		}).Error("dead onboarding job is malformed: " + err.Error())
		return
	}
	p.Worker.HandlePermanentFailure(ctx, job, cause, msg.Attempts)
}
