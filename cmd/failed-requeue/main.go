package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/onboard_backend/config"
	"github.com/mmdatafocus/onboard_backend/models"
	"github.com/mmdatafocus/onboard_backend/queue"
	"github.com/mmdatafocus/onboard_backend/workflow"
)

// Requeue tool for terminally failed organizations. The worker's claim
// accepts failed rows, so pushing a fresh job is enough to re-run them
// after the underlying data problem is corrected.
func main() {
	batchId := flag.String("batch-id", "", "Only requeue failed rows from this batch")
	dryRun := flag.Bool("dry-run", true, "List candidate rows only (no enqueue)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	ctx := context.Background()
	store := models.NewOrganizationStore(db)

	orgs, err := store.ListByStatus(ctx, models.OrganizationStatusFailed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed organizations: %v\n", err)
		os.Exit(1)
	}
	if *batchId != "" {
		filtered := orgs[:0]
		for _, org := range orgs {
			if org.BatchId == *batchId {
				filtered = append(filtered, org)
			}
		}
		orgs = filtered
	}
	if len(orgs) == 0 {
		fmt.Println("no failed organizations to requeue")
		return
	}

	if *dryRun {
		for _, org := range orgs {
			reason := ""
			if org.FailedReason != nil {
				reason = *org.FailedReason
			}
			fmt.Printf("would requeue organization id=%d domain=%s batch_id=%s reason=%q\n",
				org.ID, org.Domain, org.BatchId, reason)
		}
		fmt.Printf("%d candidate(s); re-run with --dry-run=false to enqueue\n", len(orgs))
		return
	}

	q := queue.NewRedisQueue(config.GetRedisDB(), "onboarding", config.GetLogger(), queue.RetryConfig{
		MaxAttempts: workflow.OnboardingMaxAttempts,
		Backoff:     workflow.OnboardingRetryBackoff,
	}, nil)

	requeued := 0
	for _, org := range orgs {
		body, err := json.Marshal(workflow.OnboardingJob{OrganizationId: org.ID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal job for organization %d: %v\n", org.ID, err)
			os.Exit(1)
		}
		if err := q.Enqueue(ctx, body); err != nil {
			fmt.Fprintf(os.Stderr, "enqueue organization %d: %v\n", org.ID, err)
			os.Exit(1)
		}
		requeued++
	}
	fmt.Printf("requeued %d failed organization(s)\n", requeued)
}
