package store

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"aegis.evalgo.org/audit"
	"aegis.evalgo.org/authz"
	"aegis.evalgo.org/common"
)

// Document types stored in the audit database.
const (
	typeAuditEvent   = "AuthAuditEvent"
	typeProfile      = "Profile"
	typeRoleGrant    = "RoleGrant"
	typeClientRecord = "ClientRecord"
)

// CouchDBConfig contains CouchDB connection settings.
type CouchDBConfig struct {
	URL             string
	Database        string
	Username        string
	Password        string
	Timeout         time.Duration
	CreateIfMissing bool
}

// CouchDB implements audit.EventStore and authz.Directory on a CouchDB
// database using Mango queries.
//
// Audit event documents derive their _id from
// (identity, action, timestamp, device_fingerprint), so a re-delivered
// batch from the at-least-once flush collides instead of duplicating;
// a conflict on insert is treated as an acknowledgement.
type CouchDB struct {
	client  *kivik.Client
	db      *kivik.DB
	timeout time.Duration
}

// NewCouchDB connects to CouchDB and prepares the audit database,
// creating it and its Mango indexes when configured to.
func NewCouchDB(cfg CouchDBConfig) (*CouchDB, error) {
	dsn, err := buildConnectionURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build connection URL: %w", err)
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if !cfg.CreateIfMissing {
			return nil, fmt.Errorf("database %s does not exist", cfg.Database)
		}
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.Database, err)
		}
	}

	s := &CouchDB{
		client:  client,
		db:      client.DB(cfg.Database),
		timeout: cfg.Timeout,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func buildConnectionURL(cfg CouchDBConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", err
	}
	if cfg.Username != "" && cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String(), nil
}

// ensureIndexes creates the Mango indexes backing the pipeline's filter
// shapes: identity + timestamp for lockout and history queries.
func (s *CouchDB) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		name   string
		fields []string
	}{
		{"idx-timestamp", []string{"timestamp"}},
		{"idx-identity-timestamp", []string{"identity", "timestamp"}},
	}
	for _, idx := range indexes {
		def := map[string]interface{}{"fields": idx.fields}
		if err := s.db.CreateIndex(ctx, "", idx.name, def); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// eventDoc is the stored shape of an audit event.
type eventDoc struct {
	ID   string `json:"_id,omitempty"`
	Rev  string `json:"_rev,omitempty"`
	Type string `json:"@type"`
	audit.Event
}

func eventDocID(ev audit.Event) string {
	return fmt.Sprintf("audit:%s:%s:%d:%s", ev.Identity, ev.Action, ev.Timestamp.UnixNano(), ev.DeviceFingerprint)
}

// InsertEvents writes the batch. A document conflict means the record was
// already delivered by an earlier attempt and counts as success.
func (s *CouchDB) InsertEvents(ctx context.Context, events []audit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, ev := range events {
		doc := eventDoc{ID: eventDocID(ev), Type: typeAuditEvent, Event: ev}
		if _, err := s.db.Put(ctx, doc.ID, doc); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				common.Logger.WithField("id", doc.ID).Debug("duplicate audit event acknowledged")
				continue
			}
			return mapCouchErr(fmt.Errorf("failed to save audit event: %w", err))
		}
	}
	return nil
}

// SelectEvents runs a Mango query over the audit events.
func (s *CouchDB) SelectEvents(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	selector := map[string]interface{}{"@type": typeAuditEvent}
	if filter.Identity != "" {
		selector["identity"] = filter.Identity
	}
	if filter.Success != nil {
		selector["success"] = *filter.Success
	}
	if !filter.Since.IsZero() {
		selector["timestamp"] = map[string]interface{}{"$gte": filter.Since.Format(time.RFC3339Nano)}
	}

	params := map[string]interface{}{}
	if filter.Limit > 0 {
		params["limit"] = filter.Limit
	}
	if filter.NewestFirst {
		params["sort"] = []map[string]string{{"timestamp": "desc"}}
	}

	rows := s.db.Find(ctx, selector, kivik.Params(params))
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var doc eventDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, doc.Event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapCouchErr(fmt.Errorf("audit event query failed: %w", err))
	}

	return events, nil
}

// profileDoc is the stored shape of a principal profile.
type profileDoc struct {
	DocID string `json:"_id,omitempty"`
	Rev   string `json:"_rev,omitempty"`
	Type  string `json:"@type"`
	authz.Profile
}

// roleGrantDoc is the stored shape of one role grant.
type roleGrantDoc struct {
	DocID       string     `json:"_id,omitempty"`
	Rev         string     `json:"_rev,omitempty"`
	Type        string     `json:"@type"`
	PrincipalID string     `json:"principal_id"`
	Role        authz.Role `json:"role"`
}

// clientRecordDoc is the stored shape of a client record.
type clientRecordDoc struct {
	DocID string `json:"_id,omitempty"`
	Rev   string `json:"_rev,omitempty"`
	Type  string `json:"@type"`
	authz.ClientRecord
}

// GetProfile fetches the profile document, organization included.
func (s *CouchDB) GetProfile(ctx context.Context, principalID string) (*authz.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	selector := map[string]interface{}{"@type": typeProfile, "id": principalID}
	rows := s.db.Find(ctx, selector, kivik.Params(map[string]interface{}{"limit": 1}))
	defer rows.Close()

	if rows.Next() {
		var doc profileDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		return &doc.Profile, nil
	}
	if err := rows.Err(); err != nil {
		return nil, mapCouchErr(fmt.Errorf("profile query failed: %w", err))
	}
	return nil, nil
}

// GetRoles fetches all role grants for the principal.
func (s *CouchDB) GetRoles(ctx context.Context, principalID string) ([]authz.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	selector := map[string]interface{}{"@type": typeRoleGrant, "principal_id": principalID}
	rows := s.db.Find(ctx, selector, kivik.Params(nil))
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var doc roleGrantDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan role grant: %w", err)
		}
		roles = append(roles, doc.Role)
	}
	if err := rows.Err(); err != nil {
		return nil, mapCouchErr(fmt.Errorf("role query failed: %w", err))
	}
	return roles, nil
}

// GetClientRecord fetches the principal's client record, nil when absent.
func (s *CouchDB) GetClientRecord(ctx context.Context, principalID string) (*authz.ClientRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	selector := map[string]interface{}{"@type": typeClientRecord, "principal_id": principalID}
	rows := s.db.Find(ctx, selector, kivik.Params(map[string]interface{}{"limit": 1}))
	defer rows.Close()

	if rows.Next() {
		var doc clientRecordDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan client record: %w", err)
		}
		return &doc.ClientRecord, nil
	}
	if err := rows.Err(); err != nil {
		return nil, mapCouchErr(fmt.Errorf("client record query failed: %w", err))
	}
	return nil, nil
}

// HasRoleDirect runs the narrowest possible grant check: one selector on
// exactly (principal, role), limit 1.
func (s *CouchDB) HasRoleDirect(ctx context.Context, principalID string, role authz.Role) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	selector := map[string]interface{}{
		"@type":        typeRoleGrant,
		"principal_id": principalID,
		"role":         role,
	}
	rows := s.db.Find(ctx, selector, kivik.Params(map[string]interface{}{"limit": 1}))
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("direct role query failed: %w", err)
	}
	return found, nil
}

// Close closes the underlying client.
func (s *CouchDB) Close() error { return s.client.Close() }

// mapCouchErr lifts the backend's policy self-reference signal into the
// typed error the resolver branches on.
func mapCouchErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "infinite recursion") || strings.Contains(msg, "policy self-reference") {
		return &common.PolicyRecursionError{}
	}
	return err
}
