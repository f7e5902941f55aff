package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/authz"
	"aegis.evalgo.org/common"
)

// policyRecursionCode is the backend error code raised when a row-level
// policy recursively depends on itself (invalid_object_definition).
const policyRecursionCode = "42P17"

// auditEventRow is the relational shape of an audit event. The unique
// index over the dedupe tuple lets re-delivered batches from the
// at-least-once flush insert as no-ops.
type auditEventRow struct {
	ID                  uint      `gorm:"primaryKey"`
	Identity            string    `gorm:"index:idx_audit_dedupe,unique;index:idx_audit_identity_ts"`
	Action              string    `gorm:"index:idx_audit_dedupe,unique"`
	Success             bool      `gorm:"index"`
	Timestamp           time.Time `gorm:"index:idx_audit_dedupe,unique;index:idx_audit_identity_ts"`
	UserAgent           string
	Browser             string
	OS                  string
	Country             string
	City                string
	Geolocation         string
	ConnectionType      string
	ScreenResolution    string
	Timezone            string
	Language            string
	IsMobile            bool
	BatteryLevel        *float64
	DeviceFingerprint   string `gorm:"index:idx_audit_dedupe,unique"`
	SessionID           string
	ErrorMessage        string
	FailedAttemptsCount int
}

func (auditEventRow) TableName() string { return "auth_audit_events" }

// profileRow mirrors the externally owned profile table.
type profileRow struct {
	PrincipalID      string `gorm:"primaryKey"`
	Email            string
	FullName         *string
	Phone            *string
	AvatarURL        *string
	OrganizationID   *string
	OrganizationName *string
}

func (profileRow) TableName() string { return "profiles" }

// roleGrantRow mirrors the externally owned role grant table.
type roleGrantRow struct {
	ID          uint   `gorm:"primaryKey"`
	PrincipalID string `gorm:"index:idx_role_grant,unique"`
	Role        string `gorm:"index:idx_role_grant,unique"`
}

func (roleGrantRow) TableName() string { return "role_grants" }

// clientRow mirrors the externally owned client table.
type clientRow struct {
	ID             string `gorm:"primaryKey"`
	PrincipalID    string `gorm:"index"`
	OrganizationID string
	Status         string
}

func (clientRow) TableName() string { return "clients" }

// Postgres implements audit.EventStore and authz.Directory on PostgreSQL.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres connects using the given DSN and migrates the audit event
// table. The directory tables are externally owned and not migrated here.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(&auditEventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit table: %w", err)
	}

	return &Postgres{db: db}, nil
}

// InsertEvents writes the batch in one transaction. Rows already present
// under the dedupe tuple are skipped.
func (s *Postgres) InsertEvents(ctx context.Context, events []audit.Event) error {
	rows := make([]auditEventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, toRow(ev))
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return mapPGErr(fmt.Errorf("failed to insert audit events: %w", err))
	}
	return nil
}

// SelectEvents filters the audit event table.
func (s *Postgres) SelectEvents(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	q := s.db.WithContext(ctx).Model(&auditEventRow{})
	if filter.Identity != "" {
		q = q.Where("identity = ?", filter.Identity)
	}
	if filter.Success != nil {
		q = q.Where("success = ?", *filter.Success)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if filter.NewestFirst {
		q = q.Order("timestamp DESC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []auditEventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, mapPGErr(fmt.Errorf("audit event query failed: %w", err))
	}

	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, fromRow(row))
	}
	return events, nil
}

// GetProfile fetches the profile row joined with its organization fields.
func (s *Postgres) GetProfile(ctx context.Context, principalID string) (*authz.Profile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("principal_id = ?", principalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPGErr(fmt.Errorf("profile query failed: %w", err))
	}

	profile := &authz.Profile{
		ID:        row.PrincipalID,
		Email:     row.Email,
		FullName:  row.FullName,
		Phone:     row.Phone,
		AvatarURL: row.AvatarURL,
	}
	if row.OrganizationID != nil {
		profile.Organization = &authz.Organization{ID: *row.OrganizationID}
		if row.OrganizationName != nil {
			profile.Organization.Name = *row.OrganizationName
		}
	}
	return profile, nil
}

// GetRoles fetches the principal's role grants.
func (s *Postgres) GetRoles(ctx context.Context, principalID string) ([]authz.Role, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&roleGrantRow{}).
		Where("principal_id = ?", principalID).
		Pluck("role", &names).Error
	if err != nil {
		return nil, mapPGErr(fmt.Errorf("role query failed: %w", err))
	}

	roles := make([]authz.Role, 0, len(names))
	for _, name := range names {
		roles = append(roles, authz.Role(name))
	}
	return roles, nil
}

// GetClientRecord fetches the principal's client row, nil when absent.
func (s *Postgres) GetClientRecord(ctx context.Context, principalID string) (*authz.ClientRecord, error) {
	var row clientRow
	err := s.db.WithContext(ctx).Where("principal_id = ?", principalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPGErr(fmt.Errorf("client record query failed: %w", err))
	}

	return &authz.ClientRecord{
		ID:             row.ID,
		PrincipalID:    row.PrincipalID,
		OrganizationID: row.OrganizationID,
		Status:         row.Status,
	}, nil
}

// HasRoleDirect counts grants scoped to exactly (principal, role). The
// count query touches only the grant table and stays outside the
// recursive policy path.
func (s *Postgres) HasRoleDirect(ctx context.Context, principalID string, role authz.Role) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&roleGrantRow{}).
		Where("principal_id = ? AND role = ?", principalID, string(role)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("direct role query failed: %w", err)
	}
	return count > 0, nil
}

func toRow(ev audit.Event) auditEventRow {
	return auditEventRow{
		Identity:            ev.Identity,
		Action:              string(ev.Action),
		Success:             ev.Success,
		Timestamp:           ev.Timestamp,
		UserAgent:           ev.UserAgent,
		Browser:             ev.Browser,
		OS:                  ev.OS,
		Country:             ev.Country,
		City:                ev.City,
		Geolocation:         ev.Geolocation,
		ConnectionType:      ev.ConnectionType,
		ScreenResolution:    ev.ScreenResolution,
		Timezone:            ev.Timezone,
		Language:            ev.Language,
		IsMobile:            ev.IsMobile,
		BatteryLevel:        ev.BatteryLevel,
		DeviceFingerprint:   ev.DeviceFingerprint,
		SessionID:           ev.SessionID,
		ErrorMessage:        ev.ErrorMessage,
		FailedAttemptsCount: ev.FailedAttemptsCount,
	}
}

func fromRow(row auditEventRow) audit.Event {
	return audit.Event{
		Identity:            row.Identity,
		Action:              audit.Action(row.Action),
		Success:             row.Success,
		Timestamp:           row.Timestamp,
		UserAgent:           row.UserAgent,
		Browser:             row.Browser,
		OS:                  row.OS,
		Country:             row.Country,
		City:                row.City,
		Geolocation:         row.Geolocation,
		ConnectionType:      row.ConnectionType,
		ScreenResolution:    row.ScreenResolution,
		Timezone:            row.Timezone,
		Language:            row.Language,
		IsMobile:            row.IsMobile,
		BatteryLevel:        row.BatteryLevel,
		DeviceFingerprint:   row.DeviceFingerprint,
		SessionID:           row.SessionID,
		ErrorMessage:        row.ErrorMessage,
		FailedAttemptsCount: row.FailedAttemptsCount,
	}
}

// mapPGErr lifts the backend's policy self-reference error code into the
// typed error the resolver branches on.
func mapPGErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == policyRecursionCode {
		return &common.PolicyRecursionError{Rule: pgErr.TableName}
	}
	return err
}
