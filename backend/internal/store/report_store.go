package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no report exists for the given id.
var ErrNotFound = errors.New("report not found")

// ErrDuplicateWeek is returned when an author already has a report for
// the requested week.
var ErrDuplicateWeek = errors.New("report already exists for this week")

// ConflictError signals that a versioned write lost the optimistic
// lock. ServerVersion is the version currently stored, so the caller
// can show "your version vs. current version" and drive resolution.
type ConflictError struct {
	DocID           string
	ExpectedVersion uint64
	ServerVersion   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on report %s: expected %d, server has %d",
		e.DocID, e.ExpectedVersion, e.ServerVersion)
}

// WeeklyReport is the editable document. Version starts at 1 and moves
// by exactly 1 per successful user write. AIAnalysis is system-derived
// and written outside the optimistic lock.
type WeeklyReport struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	Week            string    `gorm:"size:16;uniqueIndex:idx_author_week" json:"week"`
	AuthorID        uint64    `gorm:"uniqueIndex:idx_author_week" json:"authorId"`
	Summary         string    `gorm:"type:text" json:"summary"`
	Accomplishments string    `gorm:"type:text" json:"accomplishments"`
	Blockers        string    `gorm:"type:text" json:"blockers"`
	NextWeekPlan    string    `gorm:"type:text" json:"nextWeekPlan"`
	AIAnalysis      string    `gorm:"type:text" json:"aiAnalysis"`
	Version         uint64    `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (WeeklyReport) TableName() string { return "weekly_reports" }

// Fields is the user-editable subset of a report. AIAnalysis is
// deliberately absent: it never participates in versioned writes.
type Fields struct {
	Week            string `json:"week"`
	Summary         string `json:"summary"`
	Accomplishments string `json:"accomplishments"`
	Blockers        string `json:"blockers"`
	NextWeekPlan    string `json:"nextWeekPlan"`
}

// FieldMap flattens the editable fields for the conflict differ.
func (f Fields) FieldMap() map[string]string {
	return map[string]string{
		"week":            f.Week,
		"summary":         f.Summary,
		"accomplishments": f.Accomplishments,
		"blockers":        f.Blockers,
		"nextWeekPlan":    f.NextWeekPlan,
	}
}

// FieldsFromMap rebuilds Fields from the differ's flat representation.
// Unknown keys are ignored.
func FieldsFromMap(m map[string]string) Fields {
	return Fields{
		Week:            m["week"],
		Summary:         m["summary"],
		Accomplishments: m["accomplishments"],
		Blockers:        m["blockers"],
		NextWeekPlan:    m["nextWeekPlan"],
	}
}

// EditableFields extracts the user-editable subset of a stored report.
func (r *WeeklyReport) EditableFields() Fields {
	return Fields{
		Week:            r.Week,
		Summary:         r.Summary,
		Accomplishments: r.Accomplishments,
		Blockers:        r.Blockers,
		NextWeekPlan:    r.NextWeekPlan,
	}
}

// InitMySQL opens the gorm MySQL handle and ensures the schema.
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&WeeklyReport{}); err != nil {
		return nil, err
	}
	return db, nil
}

type ReportStore struct{ db *gorm.DB }

func NewReportStore(db *gorm.DB) *ReportStore {
	return &ReportStore{db: db}
}

func (s *ReportStore) Get(ctx context.Context, id string) (*WeeklyReport, error) {
	var r WeeklyReport
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	return &r, nil
}

func (s *ReportStore) Create(ctx context.Context, authorID uint64, f Fields) (*WeeklyReport, error) {
	r := WeeklyReport{
		ID:              uuid.NewString(),
		Week:            f.Week,
		AuthorID:        authorID,
		Summary:         f.Summary,
		Accomplishments: f.Accomplishments,
		Blockers:        f.Blockers,
		NextWeekPlan:    f.NextWeekPlan,
		Version:         1,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		var me *gomysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return nil, ErrDuplicateWeek
		}
		return nil, fmt.Errorf("create report: %w", err)
	}
	return &r, nil
}

// UpdateWithVersion applies a versioned write. The UPDATE is
// conditioned on the stored version still equaling expectedVersion, so
// concurrent writers racing on the same version produce exactly one
// success; losers get a ConflictError carrying the post-write version.
func (s *ReportStore) UpdateWithVersion(ctx context.Context, id string, f Fields, expectedVersion uint64) (*WeeklyReport, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&WeeklyReport{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"week":            f.Week,
			"summary":         f.Summary,
			"accomplishments": f.Accomplishments,
			"blockers":        f.Blockers,
			"next_week_plan":  f.NextWeekPlan,
			"version":         expectedVersion + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update report %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the row is gone or another writer won the race.
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &ConflictError{
			DocID:           id,
			ExpectedVersion: expectedVersion,
			ServerVersion:   current.Version,
		}
	}

	// Compose the result from what this write produced instead of
	// re-reading the versioned columns: a writer landing between the
	// UPDATE and a re-read would make the returned version lie about
	// what this write wrote. The immutable and derived columns are safe
	// to take from the row.
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	current.Week = f.Week
	current.Summary = f.Summary
	current.Accomplishments = f.Accomplishments
	current.Blockers = f.Blockers
	current.NextWeekPlan = f.NextWeekPlan
	current.Version = expectedVersion + 1
	current.UpdatedAt = now
	return current, nil
}

// UpdateAIAnalysis writes the derived analysis field in place without
// touching version or updated_at, so it can race freely with user
// edits and never produces a spurious conflict.
func (s *ReportStore) UpdateAIAnalysis(ctx context.Context, id string, analysis string) error {
	res := s.db.WithContext(ctx).Model(&WeeklyReport{}).
		Where("id = ?", id).
		UpdateColumn("ai_analysis", analysis)
	if res.Error != nil {
		return fmt.Errorf("update analysis for report %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
