package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/onboard_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OrganizationStatus string

const (
	OrganizationStatusPending    OrganizationStatus = "pending"
	OrganizationStatusProcessing OrganizationStatus = "processing"
	OrganizationStatusCompleted  OrganizationStatus = "completed"
	OrganizationStatusFailed     OrganizationStatus = "failed"
)

func (s OrganizationStatus) Valid() bool {
	switch s {
	case OrganizationStatusPending, OrganizationStatusProcessing,
		OrganizationStatusCompleted, OrganizationStatusFailed:
		return true
	}
	return false
}

type Organization struct {
	ID           int                `gorm:"primary_key" json:"id"`
	Name         string             `gorm:"size:255;not null" json:"name"`
	Domain       string             `gorm:"size:255;not null;uniqueIndex" json:"domain"`
	ContactEmail *string            `gorm:"size:255" json:"contact_email"`
	Status       OrganizationStatus `gorm:"type:enum('pending','processing','completed','failed');not null;default:'pending'" json:"status"`
	BatchId      string             `gorm:"size:36;index;not null" json:"batch_id"`
	ProcessedAt  *time.Time         `json:"processed_at"`
	FailedReason *string            `gorm:"type:text" json:"failed_reason"`
	CreatedAt    time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewOrganization is one element of a bulk onboarding request.
// contact_email format is deliberately NOT checked here; the onboarding
// worker validates it so a bad address surfaces as a failed row, not a 400.
type NewOrganization struct {
	Name         string  `json:"name" binding:"required,max=255"`
	Domain       string  `json:"domain" binding:"required,max=255"`
	ContactEmail *string `json:"contact_email" binding:"omitempty,max=255"`
}

// OrganizationStore is the GORM-backed persistence layer for organizations.
type OrganizationStore struct {
	DB *gorm.DB
}

func NewOrganizationStore(db *gorm.DB) *OrganizationStore {
	return &OrganizationStore{DB: db}
}

// UpsertMany inserts records in a single statement, matching on domain.
// On conflict it overwrites name, contact_email, batch_id, status (back to
// pending) and updated_at, preserving id, created_at, processed_at and
// failed_reason. Returns the number of input records written.
func (s *OrganizationStore) UpsertMany(ctx context.Context, records []NewOrganization, batchId string) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]Organization, 0, len(records))
	for _, r := range records {
		rows = append(rows, Organization{
			Name:         r.Name,
			Domain:       r.Domain,
			ContactEmail: r.ContactEmail,
			Status:       OrganizationStatusPending,
			BatchId:      batchId,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "contact_email", "batch_id", "status", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (s *OrganizationStore) FindById(ctx context.Context, id int) (*Organization, error) {
	var org Organization
	err := s.DB.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (s *OrganizationStore) ListByBatch(ctx context.Context, batchId string) ([]Organization, error) {
	var orgs []Organization
	err := s.DB.WithContext(ctx).
		Where("batch_id = ?", batchId).
		Order("id ASC").
		Find(&orgs).Error
	return orgs, err
}

func (s *OrganizationStore) CountByBatch(ctx context.Context, batchId string) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&Organization{}).
		Where("batch_id = ?", batchId).
		Count(&count).Error
	return count, err
}

func (s *OrganizationStore) ListByStatus(ctx context.Context, status OrganizationStatus) ([]Organization, error) {
	var orgs []Organization
	err := s.DB.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Find(&orgs).Error
	return orgs, err
}

// ListPendingBefore returns pending organizations not touched since cutoff.
// Used by the re-dispatch sweep to pick up rows whose jobs were lost.
func (s *OrganizationStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Organization, error) {
	var orgs []Organization
	err := s.DB.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", OrganizationStatusPending, cutoff).
		Order("id ASC").
		Find(&orgs).Error
	return orgs, err
}

// MarkProcessing atomically claims the organization for processing. Only one
// concurrent attempt can win: the UPDATE is conditional on the row still
// being pending or failed. Returns false when the claim was lost (row is
// already processing, completed, or gone).
func (s *OrganizationStore) MarkProcessing(ctx context.Context, id int) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Organization{}).
		Where("id = ? AND status IN ?", id, []OrganizationStatus{OrganizationStatusPending, OrganizationStatusFailed}).
		Updates(map[string]interface{}{
			"status":        OrganizationStatusProcessing,
			"failed_reason": nil,
			"processed_at":  nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *OrganizationStore) MarkCompleted(ctx context.Context, id int) error {
	now := time.Now().UTC()
	return s.DB.WithContext(ctx).Model(&Organization{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       OrganizationStatusCompleted,
			"processed_at": &now,
		}).Error
}

func (s *OrganizationStore) MarkFailed(ctx context.Context, id int, reason string) error {
	return s.DB.WithContext(ctx).Model(&Organization{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        OrganizationStatusFailed,
			"failed_reason": &reason,
		}).Error
}

// ForceFail unconditionally records a terminal failure. Safe to call when
// the row is already failed; a missing row is a no-op.
func (s *OrganizationStore) ForceFail(ctx context.Context, id int, reason string) error {
	return s.DB.WithContext(ctx).Model(&Organization{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        OrganizationStatusFailed,
			"failed_reason": &reason,
		}).Error
}
