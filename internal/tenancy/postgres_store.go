package tenancy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/google/uuid"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// PostgresStore implements Store using CockroachDB/Postgres, following the
// same prepared-statement-per-operation shape as
// internal/sessions.CockroachStore.
type PostgresStore struct {
	db *sql.DB

	stmtCreateContext     *sql.Stmt
	stmtGetContext        *sql.Stmt
	stmtGetContextByKey   *sql.Stmt
	stmtCreateConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtGetConvByPlatform  *sql.Stmt
	stmtListPermissions    *sql.Stmt
	stmtUpsertPermission   *sql.Stmt
	stmtGetToken           *sql.Stmt
	stmtUpsertToken        *sql.Stmt
}

// NewPostgresStore opens a connection pool against dsn and prepares all
// statements. The caller is responsible for ensuring the schema (see
// migrate.go-equivalent tooling) already exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("tenancy: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenancy: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tenancy: ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("tenancy: prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateContext, err = s.db.Prepare(`
		INSERT INTO tenant_contexts (id, name, type, config, default_work_dir, pinned_files, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}

	s.stmtGetContext, err = s.db.Prepare(`
		SELECT id, name, type, config, default_work_dir, pinned_files, created_at, deleted_at
		FROM tenant_contexts WHERE id = $1 AND deleted_at IS NULL
	`)
	if err != nil {
		return fmt.Errorf("get context: %w", err)
	}

	s.stmtGetContextByKey, err = s.db.Prepare(`
		SELECT id, name, type, config, default_work_dir, pinned_files, created_at, deleted_at
		FROM tenant_contexts WHERE name = $1 AND deleted_at IS NULL
	`)
	if err != nil {
		return fmt.Errorf("get context by key: %w", err)
	}

	s.stmtCreateConversation, err = s.db.Prepare(`
		INSERT INTO conversations (id, context_id, platform, platform_id, work_dir, title, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	s.stmtGetConversation, err = s.db.Prepare(`
		SELECT id, context_id, platform, platform_id, work_dir, title, metadata, created_at, updated_at
		FROM conversations WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	s.stmtGetConvByPlatform, err = s.db.Prepare(`
		SELECT id, context_id, platform, platform_id, work_dir, title, metadata, created_at, updated_at
		FROM conversations WHERE platform = $1 AND platform_id = $2
	`)
	if err != nil {
		return fmt.Errorf("get conversation by platform: %w", err)
	}

	s.stmtListPermissions, err = s.db.Prepare(`
		SELECT tool_name, allowed, updated_at FROM tool_permissions WHERE context_id = $1
	`)
	if err != nil {
		return fmt.Errorf("list permissions: %w", err)
	}

	s.stmtUpsertPermission, err = s.db.Prepare(`
		INSERT INTO tool_permissions (context_id, tool_name, allowed, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (context_id, tool_name) DO UPDATE SET allowed = $3, updated_at = $4
	`)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}

	s.stmtGetToken, err = s.db.Prepare(`
		SELECT access_token, refresh_token, expires_at, scope
		FROM oauth_tokens WHERE context_id = $1 AND provider = $2
	`)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	s.stmtUpsertToken, err = s.db.Prepare(`
		INSERT INTO oauth_tokens (context_id, provider, access_token, refresh_token, expires_at, scope)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (context_id, provider) DO UPDATE
		SET access_token = $3, refresh_token = $4, expires_at = $5, scope = $6
	`)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateContext(ctx context.Context, tc *coremodels.TenantContext) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now()
	}
	cfg, err := json.Marshal(tc.Config)
	if err != nil {
		return fmt.Errorf("tenancy: marshal config: %w", err)
	}
	pinned, err := json.Marshal(tc.PinnedFiles)
	if err != nil {
		return fmt.Errorf("tenancy: marshal pinned files: %w", err)
	}
	_, err = s.stmtCreateContext.ExecContext(ctx, tc.ID, tc.Name, tc.Type, cfg, tc.DefaultWorkDir, pinned, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("tenancy: create context: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContext(ctx context.Context, id string) (*coremodels.TenantContext, error) {
	return s.scanContext(s.stmtGetContext.QueryRowContext(ctx, id))
}

func (s *PostgresStore) GetOrCreateContextByPlatform(ctx context.Context, platform, platformID string) (*coremodels.TenantContext, error) {
	key := platform + ":" + platformID
	tc, err := s.scanContext(s.stmtGetContextByKey.QueryRowContext(ctx, key))
	if err == nil {
		return tc, nil
	}
	fresh := &coremodels.TenantContext{Name: key, Type: "personal"}
	if createErr := s.CreateContext(ctx, fresh); createErr != nil {
		return nil, createErr
	}
	return fresh, nil
}

func (s *PostgresStore) scanContext(row *sql.Row) (*coremodels.TenantContext, error) {
	var tc coremodels.TenantContext
	var cfg, pinned []byte
	var deletedAt sql.NullTime
	if err := row.Scan(&tc.ID, &tc.Name, &tc.Type, &cfg, &tc.DefaultWorkDir, &pinned, &tc.CreatedAt, &deletedAt); err != nil {
		return nil, fmt.Errorf("tenancy: scan context: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &tc.Config); err != nil {
			return nil, fmt.Errorf("tenancy: unmarshal config: %w", err)
		}
	}
	if len(pinned) > 0 {
		if err := json.Unmarshal(pinned, &tc.PinnedFiles); err != nil {
			return nil, fmt.Errorf("tenancy: unmarshal pinned files: %w", err)
		}
	}
	if deletedAt.Valid {
		tc.DeletedAt = &deletedAt.Time
	}
	return &tc, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *coremodels.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	meta, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("tenancy: marshal metadata: %w", err)
	}
	_, err = s.stmtCreateConversation.ExecContext(ctx, conv.ID, conv.ContextID, conv.Platform, conv.PlatformID, conv.WorkDir, conv.Title, meta, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tenancy: create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*coremodels.Conversation, error) {
	return s.scanConversation(s.stmtGetConversation.QueryRowContext(ctx, id))
}

func (s *PostgresStore) GetConversationByPlatform(ctx context.Context, platform, platformID string) (*coremodels.Conversation, error) {
	return s.scanConversation(s.stmtGetConvByPlatform.QueryRowContext(ctx, platform, platformID))
}

func (s *PostgresStore) scanConversation(row *sql.Row) (*coremodels.Conversation, error) {
	var conv coremodels.Conversation
	var meta []byte
	if err := row.Scan(&conv.ID, &conv.ContextID, &conv.Platform, &conv.PlatformID, &conv.WorkDir, &conv.Title, &meta, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("tenancy: scan conversation: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("tenancy: unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

func (s *PostgresStore) ListToolPermissions(ctx context.Context, contextID string) ([]coremodels.ToolPermission, error) {
	rows, err := s.stmtListPermissions.QueryContext(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: list permissions: %w", err)
	}
	defer rows.Close()

	var out []coremodels.ToolPermission
	for rows.Next() {
		var p coremodels.ToolPermission
		p.ContextID = contextID
		if err := rows.Scan(&p.ToolName, &p.Allowed, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("tenancy: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetToolPermission(ctx context.Context, perm coremodels.ToolPermission) error {
	if perm.UpdatedAt.IsZero() {
		perm.UpdatedAt = time.Now()
	}
	_, err := s.stmtUpsertPermission.ExecContext(ctx, perm.ContextID, perm.ToolName, perm.Allowed, perm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tenancy: set permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOAuthToken(ctx context.Context, contextID, provider string) (*coremodels.OAuthToken, error) {
	var tok coremodels.OAuthToken
	tok.ContextID = contextID
	tok.Provider = provider
	row := s.stmtGetToken.QueryRowContext(ctx, contextID, provider)
	if err := row.Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt, &tok.Scope); err != nil {
		return nil, fmt.Errorf("tenancy: get oauth token: %w", err)
	}
	return &tok, nil
}

func (s *PostgresStore) SetOAuthToken(ctx context.Context, token *coremodels.OAuthToken) error {
	_, err := s.stmtUpsertToken.ExecContext(ctx, token.ContextID, token.Provider, token.AccessToken, token.RefreshToken, token.ExpiresAt, token.Scope)
	if err != nil {
		return fmt.Errorf("tenancy: set oauth token: %w", err)
	}
	return nil
}
