package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/csaude/sespct-api/interfaces"
)

const pgOperationTimeout = 10 * time.Second

// PostgresStore bundles the pedido, resposta, client and settings
// repositories over a single database handle. Uniqueness of pedido_id_ct and
// resposta_id_ct is enforced by the schema; concurrent writers from the
// webhook and sync paths rely on those constraints rather than application
// locking.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresStore opens the database and creates the schema when absent.
func NewPostgresStore(dsn string, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	s := &PostgresStore{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			designation TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			value_type TEXT NOT NULL DEFAULT 'STRING',
			description TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_by TEXT NOT NULL DEFAULT 'system',
			updated_by TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS pedidos (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			pedido_id_ct BIGINT NOT NULL UNIQUE,
			facility_code TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			error_msg TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS respostas (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			resposta_id_ct BIGINT NOT NULL UNIQUE,
			pedido_id_ct BIGINT NOT NULL,
			facility_code TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			error_msg TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			id BIGSERIAL PRIMARY KEY,
			client_id TEXT NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			us_code TEXT NOT NULL DEFAULT '',
			public_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Settings returns the settings repository view of the store.
func (s *PostgresStore) Settings() interfaces.SettingRepo { return (*pgSettingRepo)(s) }

// Pedidos returns the pedido repository view of the store.
func (s *PostgresStore) Pedidos() interfaces.PedidoStore { return (*pgPedidoStore)(s) }

// Respostas returns the resposta repository view of the store.
func (s *PostgresStore) Respostas() interfaces.RespostaStore { return (*pgRespostaStore)(s) }

// Clients returns the client repository view of the store.
func (s *PostgresStore) Clients() interfaces.ClientStore { return (*pgClientStore)(s) }

/* ------------------------- settings ------------------------- */

type pgSettingRepo PostgresStore

func (r *pgSettingRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE designation = $1 AND enabled`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", interfaces.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return value, nil
}

func (r *pgSettingRepo) Upsert(ctx context.Context, key, value, valueType, description string, enabled bool, actor string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (designation, value, value_type, description, enabled, created_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (designation)
		DO UPDATE SET value = EXCLUDED.value, value_type = EXCLUDED.value_type,
			description = EXCLUDED.description, enabled = EXCLUDED.enabled,
			updated_by = $6, updated_at = NOW()`,
		key, value, valueType, description, enabled, actor)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

/* ------------------------- pedidos ------------------------- */

type pgPedidoStore PostgresStore

func (r *pgPedidoStore) InsertIfAbsent(ctx context.Context, p *interfaces.Pedido) (bool, error) {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = interfaces.StatusNew
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pedidos (uuid, pedido_id_ct, facility_code, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pedido_id_ct) DO NOTHING`,
		p.UUID, p.PedidoIDCT, p.FacilityCode, p.Payload, string(p.Status))
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *pgPedidoStore) FindByPedidoIDCT(ctx context.Context, pedidoIDCT int64) (*interfaces.Pedido, error) {
	p := &interfaces.Pedido{}
	var processedAt sql.NullTime
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, uuid, pedido_id_ct, facility_code, payload, status, created_at, processed_at, error_msg
		FROM pedidos WHERE pedido_id_ct = $1`, pedidoIDCT).
		Scan(&p.ID, &p.UUID, &p.PedidoIDCT, &p.FacilityCode, &p.Payload, &status, &p.CreatedAt, &processedAt, &p.ErrorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	p.Status = interfaces.RecordStatus(status)
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	return p, nil
}

func (r *pgPedidoStore) FindByStatus(ctx context.Context, status interfaces.RecordStatus) ([]*interfaces.Pedido, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, uuid, pedido_id_ct, facility_code, payload, status, created_at, processed_at, error_msg
		FROM pedidos WHERE status = $1 ORDER BY pedido_id_ct`, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []*interfaces.Pedido
	for rows.Next() {
		p := &interfaces.Pedido{}
		var processedAt sql.NullTime
		var st string
		if err := rows.Scan(&p.ID, &p.UUID, &p.PedidoIDCT, &p.FacilityCode, &p.Payload, &st, &p.CreatedAt, &processedAt, &p.ErrorMsg); err != nil {
			return nil, err
		}
		p.Status = interfaces.RecordStatus(st)
		if processedAt.Valid {
			p.ProcessedAt = &processedAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgPedidoStore) MarkConsumed(ctx context.Context, pedidoIDCT int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pedidos SET status = $1, processed_at = NOW() WHERE pedido_id_ct = $2`,
		string(interfaces.StatusConsumed), pedidoIDCT)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *pgPedidoStore) Any(ctx context.Context) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM pedidos LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return true, nil
}

/* ------------------------- respostas ------------------------- */

type pgRespostaStore PostgresStore

func (r *pgRespostaStore) Upsert(ctx context.Context, resp *interfaces.Resposta) error {
	if resp.UUID == "" {
		resp.UUID = uuid.NewString()
	}
	if resp.Status == "" {
		resp.Status = interfaces.StatusNew
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO respostas (uuid, resposta_id_ct, pedido_id_ct, facility_code, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resposta_id_ct)
		DO UPDATE SET pedido_id_ct = EXCLUDED.pedido_id_ct,
			facility_code = EXCLUDED.facility_code,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status`,
		resp.UUID, resp.RespostaIDCT, resp.PedidoIDCT, resp.FacilityCode, resp.Payload, string(resp.Status))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (r *pgRespostaStore) FindByRespostaIDCT(ctx context.Context, respostaIDCT int64) (*interfaces.Resposta, error) {
	return r.queryOne(ctx, `resposta_id_ct = $1`, respostaIDCT)
}

func (r *pgRespostaStore) FindByPedidoIDCT(ctx context.Context, pedidoIDCT int64) ([]*interfaces.Resposta, error) {
	return r.queryMany(ctx, `pedido_id_ct = $1`, pedidoIDCT)
}

func (r *pgRespostaStore) FindByStatus(ctx context.Context, status interfaces.RecordStatus) ([]*interfaces.Resposta, error) {
	return r.queryMany(ctx, `status = $1`, string(status))
}

func (r *pgRespostaStore) MarkConsumed(ctx context.Context, respostaIDCT int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE respostas SET status = $1, processed_at = NOW() WHERE resposta_id_ct = $2`,
		string(interfaces.StatusConsumed), respostaIDCT)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *pgRespostaStore) queryOne(ctx context.Context, where string, arg any) (*interfaces.Resposta, error) {
	resp := &interfaces.Resposta{}
	var processedAt sql.NullTime
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, uuid, resposta_id_ct, pedido_id_ct, facility_code, payload, status, created_at, processed_at, error_msg
		FROM respostas WHERE `+where, arg).
		Scan(&resp.ID, &resp.UUID, &resp.RespostaIDCT, &resp.PedidoIDCT, &resp.FacilityCode, &resp.Payload, &status, &resp.CreatedAt, &processedAt, &resp.ErrorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	resp.Status = interfaces.RecordStatus(status)
	if processedAt.Valid {
		resp.ProcessedAt = &processedAt.Time
	}
	return resp, nil
}

func (r *pgRespostaStore) queryMany(ctx context.Context, where string, arg any) ([]*interfaces.Resposta, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, uuid, resposta_id_ct, pedido_id_ct, facility_code, payload, status, created_at, processed_at, error_msg
		FROM respostas WHERE `+where+` ORDER BY resposta_id_ct`, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []*interfaces.Resposta
	for rows.Next() {
		resp := &interfaces.Resposta{}
		var processedAt sql.NullTime
		var status string
		if err := rows.Scan(&resp.ID, &resp.UUID, &resp.RespostaIDCT, &resp.PedidoIDCT, &resp.FacilityCode, &resp.Payload, &status, &resp.CreatedAt, &processedAt, &resp.ErrorMsg); err != nil {
			return nil, err
		}
		resp.Status = interfaces.RecordStatus(status)
		if processedAt.Valid {
			resp.ProcessedAt = &processedAt.Time
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

/* ------------------------- clients ------------------------- */

type pgClientStore PostgresStore

func (r *pgClientStore) Insert(ctx context.Context, c *interfaces.Client) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO clients (client_id, secret_hash, salt, us_code, public_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO NOTHING
		RETURNING id`,
		c.ClientID, c.SecretHash, c.Salt, c.USCode, c.PublicKey).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (r *pgClientStore) FindByClientID(ctx context.Context, clientID string) (*interfaces.Client, error) {
	c := &interfaces.Client{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, client_id, secret_hash, salt, us_code, public_key, created_at
		FROM clients WHERE client_id = $1`, clientID).
		Scan(&c.ID, &c.ClientID, &c.SecretHash, &c.Salt, &c.USCode, &c.PublicKey, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return c, nil
}
