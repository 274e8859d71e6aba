package sqlstore

// The schema is shared by both dialects: TEXT ids, JSON documents as TEXT,
// timestamps as UTC unix nanoseconds. Case-insensitive uniqueness rides on
// lower-cased shadow columns (user_name_fold, display_name_fold) so the
// behavior is identical regardless of engine collations.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS endpoints (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		name_fold    TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		active       INTEGER NOT NULL DEFAULT 1,
		config       TEXT NOT NULL DEFAULT '{}',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_endpoints_name ON endpoints (name_fold)`,

	`CREATE TABLE IF NOT EXISTS resources (
		id                BIGINT NOT NULL,
		endpoint_id       TEXT NOT NULL,
		resource_type     TEXT NOT NULL,
		scim_id           TEXT NOT NULL,
		external_id       TEXT,
		user_name         TEXT,
		user_name_fold    TEXT,
		display_name      TEXT,
		display_name_fold TEXT,
		active            INTEGER,
		payload           TEXT NOT NULL DEFAULT '{}',
		version           BIGINT NOT NULL DEFAULT 1,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL,
		PRIMARY KEY (endpoint_id, scim_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_resources_user_name
		ON resources (endpoint_id, user_name_fold) WHERE user_name_fold IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_resources_group_name
		ON resources (endpoint_id, display_name_fold)
		WHERE display_name_fold IS NOT NULL AND resource_type = 'Group'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_resources_external_id
		ON resources (endpoint_id, external_id) WHERE external_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ix_resources_type ON resources (endpoint_id, resource_type)`,

	`CREATE TABLE IF NOT EXISTS memberships (
		endpoint_id TEXT NOT NULL,
		group_id    TEXT NOT NULL,
		member_id   TEXT NOT NULL,
		display     TEXT NOT NULL DEFAULT '',
		member_type TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (endpoint_id, group_id, member_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_memberships_member ON memberships (endpoint_id, member_id)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		id            TEXT PRIMARY KEY,
		endpoint_id   TEXT NOT NULL,
		cred_type     TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		secret_hash   TEXT NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1,
		expires_at    BIGINT,
		created_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_credentials_endpoint ON credentials (endpoint_id)`,

	`CREATE TABLE IF NOT EXISTS schemas (
		endpoint_id TEXT NOT NULL,
		urn         TEXT NOT NULL,
		document    TEXT NOT NULL,
		PRIMARY KEY (endpoint_id, urn)
	)`,

	`CREATE TABLE IF NOT EXISTS resource_types (
		endpoint_id TEXT NOT NULL,
		type_id     TEXT NOT NULL,
		document    TEXT NOT NULL,
		PRIMARY KEY (endpoint_id, type_id)
	)`,

	`CREATE TABLE IF NOT EXISTS request_logs (
		id            BIGINT NOT NULL,
		endpoint_id   TEXT NOT NULL,
		request_id    TEXT NOT NULL DEFAULT '',
		method        TEXT NOT NULL,
		url           TEXT NOT NULL,
		status        INTEGER NOT NULL,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		identifier    TEXT NOT NULL DEFAULT '',
		request_body  TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT '',
		created_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_request_logs_endpoint ON request_logs (endpoint_id)`,
}
