// Package sqlstore is the database/sql store implementation. It speaks two
// dialects: sqlite (modernc.org/sqlite, the default persistent engine) and
// postgres (lib/pq, selected by a postgres:// DATABASE_URL). Behavior must
// match store/memstore on every contract.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/provisor/scimhub/store"
)

// Store implements store.Store over database/sql.
type Store struct {
	db *sql.DB
	d  dialect
}

// Open connects to the database named by url and ensures the schema.
// postgres:// and postgresql:// select lib/pq; anything else is treated
// as a sqlite file path.
func Open(ctx context.Context, url string) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = sql.Open("postgres", url)
		d = postgresDialect{}
	} else {
		db, err = sql.Open("sqlite", sqliteDSN(url))
		d = sqliteDialect{}
		if db != nil {
			// The sqlite driver allows one writer; a single connection
			// serializes mutations the way the memstore mutex does.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN makes LIKE case-sensitive on every connection. Sqlite folds
// ASCII in LIKE by default, which would disagree with Predicate.Match and
// the postgres dialect on non-folded compares.
func sqliteDSN(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_pragma=case_sensitive_like(1)"
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Capabilities reports structured payload support: both dialects can
// evaluate the string-shaped payload predicates the planner pushes.
func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{StructuredPayload: true}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.Rebind(query), args...)
}

// --- EndpointStore ---

func (s *Store) CreateEndpoint(ctx context.Context, in store.CreateEndpointInput) (*store.Endpoint, error) {
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	now := time.Now().UTC()
	ep := &store.Endpoint{
		ID:          uuid.NewString(),
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Active:      active,
		Config:      in.Config,
		Created:     now,
		Modified:    now,
	}
	cfg, err := json.Marshal(configOrEmpty(in.Config))
	if err != nil {
		return nil, fmt.Errorf("encode endpoint config: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO endpoints
		(id, name, name_fold, display_name, description, active, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Name, strings.ToLower(ep.Name), ep.DisplayName, ep.Description,
		boolInt(active), string(cfg), now.UnixNano(), now.UnixNano())
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return nil, &store.UniquenessError{Attribute: "name", Value: in.Name}
		}
		return nil, err
	}
	return ep, nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*store.Endpoint, error) {
	return s.scanEndpoint(s.queryRow(ctx, `SELECT id, name, display_name, description, active, config, created_at, updated_at
		FROM endpoints WHERE id = ?`, id))
}

func (s *Store) GetEndpointByName(ctx context.Context, name string) (*store.Endpoint, error) {
	return s.scanEndpoint(s.queryRow(ctx, `SELECT id, name, display_name, description, active, config, created_at, updated_at
		FROM endpoints WHERE name_fold = ?`, strings.ToLower(name)))
}

func (s *Store) scanEndpoint(row *sql.Row) (*store.Endpoint, error) {
	var (
		ep                 store.Endpoint
		active             int
		cfg                string
		createdAt, updated int64
	)
	err := row.Scan(&ep.ID, &ep.Name, &ep.DisplayName, &ep.Description, &active, &cfg, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ep.Active = active != 0
	if err := json.Unmarshal([]byte(cfg), &ep.Config); err != nil {
		return nil, fmt.Errorf("decode endpoint config: %w", err)
	}
	ep.Created = time.Unix(0, createdAt).UTC()
	ep.Modified = time.Unix(0, updated).UTC()
	return &ep, nil
}

func (s *Store) ListEndpoints(ctx context.Context, active *bool) ([]*store.Endpoint, error) {
	q := `SELECT id, name, display_name, description, active, config, created_at, updated_at
		FROM endpoints`
	var args []any
	if active != nil {
		q += ` WHERE active = ?`
		args = append(args, boolInt(*active))
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Endpoint
	for rows.Next() {
		var (
			ep                 store.Endpoint
			act                int
			cfg                string
			createdAt, updated int64
		)
		if err := rows.Scan(&ep.ID, &ep.Name, &ep.DisplayName, &ep.Description, &act, &cfg, &createdAt, &updated); err != nil {
			return nil, err
		}
		ep.Active = act != 0
		if err := json.Unmarshal([]byte(cfg), &ep.Config); err != nil {
			return nil, fmt.Errorf("decode endpoint config: %w", err)
		}
		ep.Created = time.Unix(0, createdAt).UTC()
		ep.Modified = time.Unix(0, updated).UTC()
		out = append(out, &ep)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEndpoint(ctx context.Context, id string, in store.UpdateEndpointInput) (*store.Endpoint, error) {
	current, err := s.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.DisplayName != nil {
		current.DisplayName = *in.DisplayName
	}
	if in.Description != nil {
		current.Description = *in.Description
	}
	if in.Active != nil {
		current.Active = *in.Active
	}
	if in.Config != nil {
		current.Config = in.Config
	}
	current.Modified = time.Now().UTC()

	cfg, err := json.Marshal(configOrEmpty(current.Config))
	if err != nil {
		return nil, fmt.Errorf("encode endpoint config: %w", err)
	}
	_, err = s.exec(ctx, `UPDATE endpoints
		SET display_name = ?, description = ?, active = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		current.DisplayName, current.Description, boolInt(current.Active), string(cfg),
		current.Modified.UnixNano(), id)
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM endpoints WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}

	// Cascade: every table carrying the endpoint id, in one transaction.
	for _, table := range []string{"resources", "memberships", "credentials", "schemas", "resource_types", "request_logs"} {
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM `+table+` WHERE endpoint_id = ?`), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetEndpointStats(ctx context.Context, id string) (*store.EndpointStats, error) {
	if _, err := s.GetEndpoint(ctx, id); err != nil {
		return nil, err
	}
	stats := &store.EndpointStats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM resources WHERE endpoint_id = ? AND resource_type = 'User'`, &stats.Users},
		{`SELECT COUNT(*) FROM resources WHERE endpoint_id = ? AND resource_type = 'Group'`, &stats.Groups},
		{`SELECT COUNT(*) FROM memberships WHERE endpoint_id = ?`, &stats.Memberships},
		{`SELECT COUNT(*) FROM credentials WHERE endpoint_id = ?`, &stats.Credentials},
		{`SELECT COUNT(*) FROM request_logs WHERE endpoint_id = ?`, &stats.RequestLogs},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, c.query, id).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// --- ResourceStore ---

const resourceColumns = `id, endpoint_id, resource_type, scim_id, external_id,
	user_name, display_name, active, payload, version, created_at, updated_at`

func (s *Store) CreateResource(ctx context.Context, in store.CreateResourceInput) (*store.Resource, error) {
	if err := s.AssertUnique(ctx, store.UniqueCheck{
		EndpointID:  in.EndpointID,
		Type:        in.Type,
		UserName:    in.UserName,
		DisplayName: in.DisplayName,
		ExternalID:  in.ExternalID,
	}); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(configOrEmpty(in.Payload))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now().UTC()

	var nextID int64
	if err := s.queryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM resources`).Scan(&nextID); err != nil {
		return nil, err
	}

	_, err = s.exec(ctx, `INSERT INTO resources
		(id, endpoint_id, resource_type, scim_id, external_id, user_name, user_name_fold,
		 display_name, display_name_fold, active, payload, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		nextID, in.EndpointID, in.Type, in.SCIMID,
		nullString(in.ExternalID),
		nullString(in.UserName), nullFold(in.UserName),
		nullString(in.DisplayName), foldForType(in.Type, in.DisplayName),
		nullBool(in.Active), string(payload), now.UnixNano(), now.UnixNano())
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return nil, uniquenessFromInput(in)
		}
		return nil, err
	}

	return &store.Resource{
		ID:          nextID,
		EndpointID:  in.EndpointID,
		Type:        in.Type,
		SCIMID:      in.SCIMID,
		ExternalID:  in.ExternalID,
		UserName:    in.UserName,
		DisplayName: in.DisplayName,
		Active:      in.Active,
		Payload:     in.Payload,
		Version:     1,
		Created:     now,
		Modified:    now,
	}, nil
}

func (s *Store) GetResource(ctx context.Context, endpointID, scimID string) (*store.Resource, error) {
	return scanResource(s.queryRow(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE endpoint_id = ? AND scim_id = ?`, endpointID, scimID))
}

func (s *Store) GetResourceByUserName(ctx context.Context, endpointID, userName string) (*store.Resource, error) {
	return scanResource(s.queryRow(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE endpoint_id = ? AND user_name_fold = ?`, endpointID, strings.ToLower(userName)))
}

func (s *Store) GetResourceByExternalID(ctx context.Context, endpointID, externalID string) (*store.Resource, error) {
	return scanResource(s.queryRow(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE endpoint_id = ? AND external_id = ?`, endpointID, externalID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*store.Resource, error) {
	var (
		res                store.Resource
		externalID         sql.NullString
		userName           sql.NullString
		displayName        sql.NullString
		active             sql.NullInt64
		payload            string
		createdAt, updated int64
	)
	err := row.Scan(&res.ID, &res.EndpointID, &res.Type, &res.SCIMID, &externalID,
		&userName, &displayName, &active, &payload, &res.Version, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res.ExternalID = externalID.String
	res.UserName = userName.String
	res.DisplayName = displayName.String
	if active.Valid {
		b := active.Int64 != 0
		res.Active = &b
	}
	if err := json.Unmarshal([]byte(payload), &res.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	res.Created = time.Unix(0, createdAt).UTC()
	res.Modified = time.Unix(0, updated).UTC()
	return &res, nil
}

func (s *Store) SearchResources(ctx context.Context, q store.Query) (*store.Page, error) {
	where, params := compileWhere(s.d, q.Where)
	base := ` FROM resources WHERE endpoint_id = ? AND resource_type = ?`
	args := append([]any{q.EndpointID, q.Type}, params...)
	if where != "" {
		base += ` AND ` + where
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*)`+base, args...).Scan(&total); err != nil {
		return nil, err
	}

	sel := `SELECT ` + resourceColumns + base + ` ` + orderClause(q)
	if q.Limit > 0 {
		sel += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		sel += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.query(ctx, sel, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &store.Page{Total: total}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, res)
	}
	return page, rows.Err()
}

func (s *Store) UpdateResource(ctx context.Context, endpointID, scimID string, in store.UpdateResourceInput) (*store.Resource, error) {
	current, err := s.GetResource(ctx, endpointID, scimID)
	if err != nil {
		return nil, err
	}
	if err := s.AssertUnique(ctx, store.UniqueCheck{
		EndpointID:    endpointID,
		Type:          current.Type,
		UserName:      in.UserName,
		DisplayName:   in.DisplayName,
		ExternalID:    in.ExternalID,
		ExcludeSCIMID: scimID,
	}); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(configOrEmpty(in.Payload))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now().UTC()

	// Compare-and-swap on version: a concurrent writer that committed
	// between our read and this write makes RowsAffected zero.
	res, err := s.exec(ctx, `UPDATE resources
		SET external_id = ?, user_name = ?, user_name_fold = ?,
		    display_name = ?, display_name_fold = ?, active = ?,
		    payload = ?, version = version + 1, updated_at = ?
		WHERE endpoint_id = ? AND scim_id = ? AND version = ?`,
		nullString(in.ExternalID),
		nullString(in.UserName), nullFold(in.UserName),
		nullString(in.DisplayName), foldForType(current.Type, in.DisplayName),
		nullBool(in.Active), string(payload), now.UnixNano(),
		endpointID, scimID, in.ExpectVersion)
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return nil, &store.UniquenessError{Attribute: "userName", Value: in.UserName}
		}
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, store.ErrVersionConflict
	}
	return s.GetResource(ctx, endpointID, scimID)
}

func (s *Store) DeleteResource(ctx context.Context, endpointID, scimID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM resources WHERE endpoint_id = ? AND scim_id = ?`), endpointID, scimID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM memberships
		WHERE endpoint_id = ? AND (group_id = ? OR member_id = ?)`), endpointID, scimID, scimID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AssertUnique(ctx context.Context, chk store.UniqueCheck) error {
	checks := []struct {
		attr  string
		value string
		query string
		arg   string
	}{
		{"userName", chk.UserName,
			`SELECT scim_id FROM resources WHERE endpoint_id = ? AND user_name_fold = ?`,
			strings.ToLower(chk.UserName)},
		{"displayName", chk.DisplayName,
			`SELECT scim_id FROM resources WHERE endpoint_id = ? AND display_name_fold = ? AND resource_type = 'Group'`,
			strings.ToLower(chk.DisplayName)},
		{"externalId", chk.ExternalID,
			`SELECT scim_id FROM resources WHERE endpoint_id = ? AND external_id = ?`,
			chk.ExternalID},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if c.attr == "displayName" && chk.Type != store.TypeGroup {
			continue
		}
		var existing string
		err := s.queryRow(ctx, c.query, chk.EndpointID, c.arg).Scan(&existing)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if existing != chk.ExcludeSCIMID {
			return &store.UniquenessError{Attribute: c.attr, Value: c.value}
		}
	}
	return nil
}

// --- MembershipStore ---

func (s *Store) AddMembers(ctx context.Context, endpointID, groupID string, members []store.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range members {
		// Upsert by delete-then-insert so display/type updates collapse
		// duplicates the same way the memstore map does.
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM memberships
			WHERE endpoint_id = ? AND group_id = ? AND member_id = ?`), endpointID, groupID, m.MemberID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO memberships
			(endpoint_id, group_id, member_id, display, member_type) VALUES (?, ?, ?, ?, ?)`),
			endpointID, groupID, m.MemberID, m.Display, m.Type); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RemoveMembers(ctx context.Context, endpointID, groupID string, memberIDs []string) error {
	for _, id := range memberIDs {
		if _, err := s.exec(ctx, `DELETE FROM memberships
			WHERE endpoint_id = ? AND group_id = ? AND member_id = ?`, endpointID, groupID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ReplaceMembers(ctx context.Context, endpointID, groupID string, members []store.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM memberships
		WHERE endpoint_id = ? AND group_id = ?`), endpointID, groupID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.MemberID] {
			continue
		}
		seen[m.MemberID] = true
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO memberships
			(endpoint_id, group_id, member_id, display, member_type) VALUES (?, ?, ?, ?, ?)`),
			endpointID, groupID, m.MemberID, m.Display, m.Type); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListMembers(ctx context.Context, endpointID, groupID string) ([]store.Member, error) {
	rows, err := s.query(ctx, `SELECT group_id, member_id, display, member_type FROM memberships
		WHERE endpoint_id = ? AND group_id = ? ORDER BY member_id ASC`, endpointID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Member
	for rows.Next() {
		var m store.Member
		if err := rows.Scan(&m.GroupID, &m.MemberID, &m.Display, &m.Type); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- CredentialStore ---

func (s *Store) CreateCredential(ctx context.Context, in store.CreateCredentialInput) (*store.Credential, error) {
	cred := &store.Credential{
		ID:         uuid.NewString(),
		EndpointID: in.EndpointID,
		Type:       in.Type,
		Name:       in.Name,
		SecretHash: in.SecretHash,
		Active:     true,
		ExpiresAt:  in.ExpiresAt,
		Created:    time.Now().UTC(),
	}
	var expires any
	if in.ExpiresAt != nil {
		expires = in.ExpiresAt.UnixNano()
	}
	_, err := s.exec(ctx, `INSERT INTO credentials
		(id, endpoint_id, cred_type, name, secret_hash, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		cred.ID, cred.EndpointID, cred.Type, cred.Name, cred.SecretHash, expires, cred.Created.UnixNano())
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *Store) ListCredentials(ctx context.Context, endpointID string) ([]*store.Credential, error) {
	return s.credentials(ctx, `SELECT id, endpoint_id, cred_type, name, secret_hash, active, expires_at, created_at
		FROM credentials WHERE endpoint_id = ? ORDER BY created_at ASC`, endpointID)
}

func (s *Store) ActiveCredentials(ctx context.Context, endpointID string) ([]*store.Credential, error) {
	creds, err := s.credentials(ctx, `SELECT id, endpoint_id, cred_type, name, secret_hash, active, expires_at, created_at
		FROM credentials WHERE endpoint_id = ? AND active = 1`, endpointID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := creds[:0]
	for _, c := range creds {
		if c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) credentials(ctx context.Context, query string, args ...any) ([]*store.Credential, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Credential
	for rows.Next() {
		var (
			c       store.Credential
			active  int
			expires sql.NullInt64
			created int64
		)
		if err := rows.Scan(&c.ID, &c.EndpointID, &c.Type, &c.Name, &c.SecretHash, &active, &expires, &created); err != nil {
			return nil, err
		}
		c.Active = active != 0
		if expires.Valid {
			t := time.Unix(0, expires.Int64).UTC()
			c.ExpiresAt = &t
		}
		c.Created = time.Unix(0, created).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCredential(ctx context.Context, endpointID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM credentials WHERE endpoint_id = ? AND id = ?`, endpointID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- DiscoveryStore ---

func (s *Store) SeedDiscovery(ctx context.Context, endpointID string, schemas []store.SchemaRow, types []store.ResourceTypeRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, row := range schemas {
		doc, err := json.Marshal(row.Document)
		if err != nil {
			return fmt.Errorf("encode schema %s: %w", row.URN, err)
		}
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO schemas (endpoint_id, urn, document) VALUES (?, ?, ?)`),
			endpointID, row.URN, string(doc)); err != nil {
			return err
		}
	}
	for _, row := range types {
		doc, err := json.Marshal(row.Document)
		if err != nil {
			return fmt.Errorf("encode resource type %s: %w", row.TypeID, err)
		}
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO resource_types (endpoint_id, type_id, document) VALUES (?, ?, ?)`),
			endpointID, row.TypeID, string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListSchemas(ctx context.Context, endpointID string) ([]store.SchemaRow, error) {
	rows, err := s.query(ctx, `SELECT urn, document FROM schemas WHERE endpoint_id = ? ORDER BY urn ASC`, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SchemaRow
	for rows.Next() {
		row := store.SchemaRow{EndpointID: endpointID}
		var doc string
		if err := rows.Scan(&row.URN, &doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(doc), &row.Document); err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", row.URN, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListResourceTypes(ctx context.Context, endpointID string) ([]store.ResourceTypeRow, error) {
	rows, err := s.query(ctx, `SELECT type_id, document FROM resource_types WHERE endpoint_id = ? ORDER BY type_id ASC`, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ResourceTypeRow
	for rows.Next() {
		row := store.ResourceTypeRow{EndpointID: endpointID}
		var doc string
		if err := rows.Scan(&row.TypeID, &doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(doc), &row.Document); err != nil {
			return nil, fmt.Errorf("decode resource type %s: %w", row.TypeID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// --- RequestLogStore ---

func (s *Store) InsertRequestLogs(ctx context.Context, recs []store.RequestLog) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM request_logs`).Scan(&nextID); err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO request_logs
			(id, endpoint_id, request_id, method, url, status, duration_ms, identifier, request_body, response_body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			nextID, rec.EndpointID, rec.RequestID, rec.Method, rec.URL, rec.Status,
			rec.DurationMs, rec.Identifier, rec.RequestBody, rec.ResponseBody,
			rec.Created.UnixNano()); err != nil {
			return err
		}
		nextID++
	}
	return tx.Commit()
}

func (s *Store) CountRequestLogs(ctx context.Context, endpointID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM request_logs WHERE endpoint_id = ?`, endpointID).Scan(&n)
	return n, err
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFold(s string) any {
	if s == "" {
		return nil
	}
	return strings.ToLower(s)
}

// foldForType keeps the group-name shadow NULL for Users so the partial
// unique index never sees them.
func foldForType(resourceType, displayName string) any {
	if displayName == "" || resourceType != store.TypeGroup {
		return nil
	}
	return strings.ToLower(displayName)
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func configOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func uniquenessFromInput(in store.CreateResourceInput) error {
	switch {
	case in.UserName != "":
		return &store.UniquenessError{Attribute: "userName", Value: in.UserName}
	case in.DisplayName != "":
		return &store.UniquenessError{Attribute: "displayName", Value: in.DisplayName}
	default:
		return &store.UniquenessError{Attribute: "externalId", Value: in.ExternalID}
	}
}
