package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/onboard_backend/config"
	"github.com/mmdatafocus/onboard_backend/models"
	"github.com/mmdatafocus/onboard_backend/queue"
	"github.com/mmdatafocus/onboard_backend/utils"
	"github.com/mmdatafocus/onboard_backend/workflow"
	"github.com/sirupsen/logrus"
)

type bulkOnboardRequest struct {
	Organizations []models.NewOrganization `json:"organizations" binding:"required,min=1,dive"`
}

// organizationQueries is the read-only slice of the store the query
// endpoints need.
type organizationQueries interface {
	FindById(ctx context.Context, id int) (*models.Organization, error)
	ListByBatch(ctx context.Context, batchId string) ([]models.Organization, error)
	ListByStatus(ctx context.Context, status models.OrganizationStatus) ([]models.Organization, error)
}

// bulkOnboard ingests a batch and dispatches one onboarding job per row.
// Responds 202: processing continues asynchronously. Failures after the
// batch id is assigned return a generic message plus the batch id for
// correlation, never internal error detail.
func bulkOnboard(c *gin.Context, store workflow.OrganizationStore, q workflow.JobQueue, logger *logrus.Logger) {
	var req bulkOnboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	batchId, orgs, err := workflow.BulkOnboard(ctx, store, logger, req.Organizations)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"batch_id": batchId,
			"error":    err.Error(),
		}).Error("bulk onboard request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "Failed to process bulk onboarding request",
			"batch_id": batchId,
		})
		return
	}

	if _, err := workflow.DispatchOnboardingJobs(ctx, q, logger, orgs); err != nil {
		logger.WithFields(logrus.Fields{
			"batch_id": batchId,
			"error":    err.Error(),
		}).Error("bulk onboard dispatch failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "Failed to process bulk onboarding request",
			"batch_id": batchId,
		})
		return
	}

	logger.WithFields(logrus.Fields{
		"batch_id":            batchId,
		"organizations_count": len(orgs),
	}).Info("bulk onboard request processed")

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":            batchId,
		"message":             "Bulk onboarding initiated successfully",
		"organizations_count": len(orgs),
	})
}

func listOrganizations(c *gin.Context, store organizationQueries) {
	ctx := c.Request.Context()

	if batchId := c.Query("batch_id"); batchId != "" {
		orgs, err := store.ListByBatch(ctx, batchId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list organizations"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"organizations": orgs, "count": len(orgs)})
		return
	}

	if status := c.Query("status"); status != "" {
		s := models.OrganizationStatus(status)
		if !s.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		orgs, err := store.ListByStatus(ctx, s)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list organizations"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"organizations": orgs, "count": len(orgs)})
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id or status is required"})
}

func getOrganization(c *gin.Context, store organizationQueries) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
		return
	}

	org, err := store.FindById(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load organization"})
		return
	}
	c.JSON(http.StatusOK, org)
}

// queueJobAdapter bridges the generic queue to the workflow's JobQueue.
type queueJobAdapter struct {
	q queue.Queue
}

func (a queueJobAdapter) EnqueueOnboarding(ctx context.Context, job workflow.OnboardingJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return a.q.Enqueue(ctx, body)
}

// pubsubJobQueue dispatches jobs through Google Pub/Sub; the push
// subscription delivers them back to /pubsub/onboarding. Retry ceiling and
// dead-lettering on this path live in the subscription config.
type pubsubJobQueue struct{}

func (pubsubJobQueue) EnqueueOnboarding(ctx context.Context, job workflow.OnboardingJob) error {
	_, err := config.PublishOnboardingJob(ctx, job)
	return err
}
