package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/onboard_backend/models"
	"github.com/mmdatafocus/onboard_backend/utils"
	"github.com/mmdatafocus/onboard_backend/workflow"
	"github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// handlerOrgStore backs the handler tests without a database.
type handlerOrgStore struct {
	seq  int
	rows map[int]*models.Organization

	failUpsert bool
}

func newHandlerOrgStore() *handlerOrgStore {
	return &handlerOrgStore{rows: map[int]*models.Organization{}}
}

func (s *handlerOrgStore) UpsertMany(ctx context.Context, records []models.NewOrganization, batchId string) (int64, error) {
	if s.failUpsert {
		return 0, errors.New("db down")
	}
	now := time.Now().UTC()
	for _, r := range records {
		s.seq++
		s.rows[s.seq] = &models.Organization{
			ID:        s.seq,
			Name:      r.Name,
			Domain:    r.Domain,
			Status:    models.OrganizationStatusPending,
			BatchId:   batchId,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return int64(len(records)), nil
}

func (s *handlerOrgStore) FindById(ctx context.Context, id int) (*models.Organization, error) {
	if row, ok := s.rows[id]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *handlerOrgStore) ListByBatch(ctx context.Context, batchId string) ([]models.Organization, error) {
	var out []models.Organization
	for _, row := range s.rows {
		if row.BatchId == batchId {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *handlerOrgStore) ListByStatus(ctx context.Context, status models.OrganizationStatus) ([]models.Organization, error) {
	var out []models.Organization
	for _, row := range s.rows {
		if row.Status == status {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *handlerOrgStore) MarkProcessing(ctx context.Context, id int) (bool, error) { return true, nil }
func (s *handlerOrgStore) MarkCompleted(ctx context.Context, id int) error          { return nil }
func (s *handlerOrgStore) MarkFailed(ctx context.Context, id int, reason string) error {
	return nil
}
func (s *handlerOrgStore) ForceFail(ctx context.Context, id int, reason string) error { return nil }

type recordingJobQueue struct {
	jobs []workflow.OnboardingJob
	fail bool
}

func (q *recordingJobQueue) EnqueueOnboarding(ctx context.Context, job workflow.OnboardingJob) error {
	if q.fail {
		return errors.New("queue unavailable")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newBulkRouter(store *handlerOrgStore, q *recordingJobQueue) *gin.Engine {
	logger := quietLogger()
	r := gin.New()
	r.POST("/api/v1/onboard/bulk", func(c *gin.Context) {
		bulkOnboard(c, store, q, logger)
	})
	r.GET("/api/v1/organizations", func(c *gin.Context) {
		listOrganizations(c, store)
	})
	r.GET("/api/v1/organizations/:id", func(c *gin.Context) {
		getOrganization(c, store)
	})
	return r
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBulkOnboardEndpoint_Accepted(t *testing.T) {
	store := newHandlerOrgStore()
	q := &recordingJobQueue{}
	r := newBulkRouter(store, q)

	w := postJSON(r, "/api/v1/onboard/bulk", gin.H{
		"organizations": []gin.H{
			{"name": "Acme", "domain": "acme.com", "contact_email": "ops@acme.com"},
			{"name": "Globex", "domain": "globex.com"},
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		BatchId            string `json:"batch_id"`
		Message            string `json:"message"`
		OrganizationsCount int    `json:"organizations_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BatchId == "" {
		t.Fatal("expected a batch id")
	}
	if resp.OrganizationsCount != 2 {
		t.Fatalf("organizations_count = %d, want 2", resp.OrganizationsCount)
	}
	if len(q.jobs) != 2 {
		t.Fatalf("expected 2 dispatched jobs, got %d", len(q.jobs))
	}
}

func TestBulkOnboardEndpoint_RejectsEmptyList(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	w := postJSON(r, "/api/v1/onboard/bulk", gin.H{"organizations": []gin.H{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestBulkOnboardEndpoint_RejectsMissingFields(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	// name present, domain missing: dive validation must reject the element.
	w := postJSON(r, "/api/v1/onboard/bulk", gin.H{
		"organizations": []gin.H{{"name": "Acme"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestBulkOnboardEndpoint_RejectsMalformedBody(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/onboard/bulk", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestBulkOnboardEndpoint_StoreFailureHidesDetail(t *testing.T) {
	store := newHandlerOrgStore()
	store.failUpsert = true
	r := newBulkRouter(store, &recordingJobQueue{})

	w := postJSON(r, "/api/v1/onboard/bulk", gin.H{
		"organizations": []gin.H{{"name": "Acme", "domain": "acme.com"}},
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var resp struct {
		Error   string `json:"error"`
		BatchId string `json:"batch_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "Failed to process bulk onboarding request" {
		t.Fatalf("error leaked internal detail: %q", resp.Error)
	}
	if resp.BatchId == "" {
		t.Fatal("batch id must be returned for correlation")
	}
}

func TestBulkOnboardEndpoint_DispatchFailure(t *testing.T) {
	store := newHandlerOrgStore()
	q := &recordingJobQueue{fail: true}
	r := newBulkRouter(store, q)

	w := postJSON(r, "/api/v1/onboard/bulk", gin.H{
		"organizations": []gin.H{{"name": "Acme", "domain": "acme.com"}},
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	// Rows stay committed: the sweep tool picks them up later.
	if len(store.rows) != 1 {
		t.Fatalf("expected the ingested row to remain, got %d rows", len(store.rows))
	}
}

func TestListOrganizations_ByBatch(t *testing.T) {
	store := newHandlerOrgStore()
	if _, err := store.UpsertMany(context.Background(), []models.NewOrganization{
		{Name: "A", Domain: "a.com"},
		{Name: "B", Domain: "b.com"},
	}, "batch-x"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newBulkRouter(store, &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations?batch_id=batch-x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
}

func TestListOrganizations_InvalidStatus(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations?status=bogus", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListOrganizations_RequiresFilter(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetOrganization_NotFound(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/7", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetOrganization_InvalidId(t *testing.T) {
	r := newBulkRouter(newHandlerOrgStore(), &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetOrganization_Found(t *testing.T) {
	store := newHandlerOrgStore()
	if _, err := store.UpsertMany(context.Background(), []models.NewOrganization{
		{Name: "Acme", Domain: "acme.com"},
	}, "batch-x"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newBulkRouter(store, &recordingJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/organizations/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var org models.Organization
	if err := json.Unmarshal(w.Body.Bytes(), &org); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if org.Domain != "acme.com" || org.Status != models.OrganizationStatusPending {
		t.Fatalf("unexpected row: %+v", org)
	}
}
