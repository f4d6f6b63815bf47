package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/onboard_backend/config"
	"github.com/mmdatafocus/onboard_backend/models"
	"github.com/mmdatafocus/onboard_backend/queue"
	"github.com/mmdatafocus/onboard_backend/workflow"
)

// Sweep tool: re-enqueues organizations stuck in pending (their jobs were
// lost to a dispatch failure or a queue wipe). Dispatch is not transactional
// with the upsert, so rows can legitimately end up pending with no job;
// running this periodically makes them converge.
func main() {
	olderThanMin := flag.Int("older-than-minutes", 10, "Only re-dispatch pending rows untouched for at least this long")
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
	cutoff := time.Now().UTC().Add(-time.Duration(*olderThanMin) * time.Minute)

	orgs, err := store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list pending organizations: %v\n", err)
		os.Exit(1)
	}
	if len(orgs) == 0 {
		fmt.Println("no pending organizations to re-dispatch")
		return
	}

	if *dryRun {
		for _, org := range orgs {
			fmt.Printf("would re-dispatch organization id=%d domain=%s batch_id=%s updated_at=%s\n",
				org.ID, org.Domain, org.BatchId, org.UpdatedAt.Format(time.RFC3339))
		}
		fmt.Printf("%d candidate(s); re-run with --dry-run=false to enqueue\n", len(orgs))
		return
	}

	q := queue.NewRedisQueue(config.GetRedisDB(), "onboarding", config.GetLogger(), queue.RetryConfig{
		MaxAttempts: workflow.OnboardingMaxAttempts,
		Backoff:     workflow.OnboardingRetryBackoff,
	}, nil)

	dispatched := 0
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
		dispatched++
	}
	fmt.Printf("re-dispatched %d organization(s)\n", dispatched)
}
