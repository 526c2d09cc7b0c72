package card

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists virtual cards in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed card ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the virtual_cards table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS virtual_cards (
			id                VARCHAR(40) PRIMARY KEY,
			session_id        VARCHAR(40) NOT NULL,
			tx_ref            VARCHAR(80) NOT NULL UNIQUE,
			payer_address     VARCHAR(42),
			merchant_name     VARCHAR(255),
			amount_cents      BIGINT NOT NULL CHECK (amount_cents >= 0),
			paid_cents        BIGINT NOT NULL DEFAULT 0,
			spend_limit_cents BIGINT NOT NULL DEFAULT 0,
			issuer_token      VARCHAR(255),
			last_four         VARCHAR(4),
			exp_month         SMALLINT,
			exp_year          SMALLINT,
			status            VARCHAR(20) NOT NULL CHECK (status IN (
				'pending','issued','authorized','cleared',
				'refunded','no_refund_needed','no_refund_route','refund_failed')),
			authorization_id  VARCHAR(255),
			authorized_cents  BIGINT NOT NULL DEFAULT 0,
			charged_cents     BIGINT NOT NULL DEFAULT 0,
			refund_cents      BIGINT NOT NULL DEFAULT 0,
			refund_tx_hash    VARCHAR(80),
			settled_at        TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_virtual_cards_session ON virtual_cards (session_id);
		CREATE INDEX IF NOT EXISTS idx_virtual_cards_token ON virtual_cards (issuer_token);
		CREATE INDEX IF NOT EXISTS idx_virtual_cards_created ON virtual_cards (created_at);
	`)
	return err
}

func (p *PostgresStore) Reserve(ctx context.Context, c *VirtualCard) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO virtual_cards (
			id, session_id, tx_ref, payer_address, merchant_name,
			amount_cents, paid_cents, spend_limit_cents,
			issuer_token, last_four, exp_month, exp_year,
			status, authorization_id, authorized_cents, charged_cents,
			refund_cents, refund_tx_hash, settled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21
		)`,
		c.ID, c.SessionID, c.TxRef, nullString(c.PayerAddress), nullString(c.MerchantName),
		c.AmountCents, c.PaidCents, c.SpendLimitCents,
		nullString(c.IssuerToken), nullString(c.Last4), c.ExpMonth, c.ExpYear,
		string(c.Status), nullString(c.AuthorizationID), c.AuthorizedCents, c.ChargedCents,
		c.RefundCents, nullString(c.RefundTxHash), nullTime(c.SettledAt), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM virtual_cards WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, c *VirtualCard) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE virtual_cards SET
			paid_cents = $2, spend_limit_cents = $3,
			issuer_token = $4, last_four = $5, exp_month = $6, exp_year = $7,
			status = $8, authorization_id = $9, authorized_cents = $10,
			charged_cents = $11, refund_cents = $12, refund_tx_hash = $13,
			settled_at = $14, updated_at = $15
		WHERE id = $1`,
		c.ID, c.PaidCents, c.SpendLimitCents,
		nullString(c.IssuerToken), nullString(c.Last4), c.ExpMonth, c.ExpYear,
		string(c.Status), nullString(c.AuthorizationID), c.AuthorizedCents,
		c.ChargedCents, c.RefundCents, nullString(c.RefundTxHash),
		nullTime(c.SettledAt), c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateFrom(ctx context.Context, c *VirtualCard, prev Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE virtual_cards SET
			paid_cents = $2, spend_limit_cents = $3,
			issuer_token = $4, last_four = $5, exp_month = $6, exp_year = $7,
			status = $8, authorization_id = $9, authorized_cents = $10,
			charged_cents = $11, refund_cents = $12, refund_tx_hash = $13,
			settled_at = $14, updated_at = $15
		WHERE id = $1 AND status = $16`,
		c.ID, c.PaidCents, c.SpendLimitCents,
		nullString(c.IssuerToken), nullString(c.Last4), c.ExpMonth, c.ExpYear,
		string(c.Status), nullString(c.AuthorizationID), c.AuthorizedCents,
		c.ChargedCents, c.RefundCents, nullString(c.RefundTxHash),
		nullTime(c.SettledAt), c.UpdatedAt, string(prev),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := p.db.QueryRowContext(ctx,
			`SELECT status FROM virtual_cards WHERE id = $1`, c.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrCardNotFound
		}
		if err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

const cardColumns = `
	id, session_id, tx_ref, payer_address, merchant_name,
	amount_cents, paid_cents, spend_limit_cents,
	issuer_token, last_four, exp_month, exp_year,
	status, authorization_id, authorized_cents, charged_cents,
	refund_cents, refund_tx_hash, settled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*VirtualCard, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM virtual_cards WHERE id = $1`, id)
	return scanCardRow(row)
}

func (p *PostgresStore) GetByTxRef(ctx context.Context, txRef string) (*VirtualCard, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM virtual_cards WHERE tx_ref = $1`, txRef)
	return scanCardRow(row)
}

func (p *PostgresStore) GetByToken(ctx context.Context, issuerToken string) (*VirtualCard, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM virtual_cards WHERE issuer_token = $1 ORDER BY created_at LIMIT 1`,
		issuerToken)
	return scanCardRow(row)
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*VirtualCard, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var afterCreated interface{}
	var afterID string
	if filter.After != nil {
		afterCreated = filter.After.CreatedAt
		afterID = filter.After.ID
	}

	var createdBefore interface{}
	if !filter.CreatedBefore.IsZero() {
		createdBefore = filter.CreatedBefore
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM virtual_cards
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR tx_ref = $2)
		  AND ($5 = '' OR status = $5)
		  AND ($6::timestamptz IS NULL OR created_at < $6)
		  AND ($7::timestamptz IS NULL OR (created_at, id) > ($7, $8))
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4`,
		filter.SessionID, filter.TxRef, limit, filter.Offset,
		string(filter.Status), createdBefore, afterCreated, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*VirtualCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(paid_cents), 0),
		       COALESCE(SUM(CASE WHEN status = 'refunded' THEN refund_cents ELSE 0 END), 0)
		FROM virtual_cards`)

	t := &Totals{}
	if err := row.Scan(&t.Cards, &t.PaidCents, &t.RefundedCents); err != nil {
		return nil, err
	}
	return t, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCardRow(row *sql.Row) (*VirtualCard, error) {
	c, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, ErrCardNotFound
	}
	return c, err
}

func scanCard(sc scanner) (*VirtualCard, error) {
	c := &VirtualCard{}
	var (
		payerAddress    sql.NullString
		merchantName    sql.NullString
		issuerToken     sql.NullString
		lastFour        sql.NullString
		status          string
		authorizationID sql.NullString
		refundTxHash    sql.NullString
		settledAt       sql.NullTime
	)

	err := sc.Scan(
		&c.ID, &c.SessionID, &c.TxRef, &payerAddress, &merchantName,
		&c.AmountCents, &c.PaidCents, &c.SpendLimitCents,
		&issuerToken, &lastFour, &c.ExpMonth, &c.ExpYear,
		&status, &authorizationID, &c.AuthorizedCents, &c.ChargedCents,
		&c.RefundCents, &refundTxHash, &settledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.PayerAddress = payerAddress.String
	c.MerchantName = merchantName.String
	c.IssuerToken = issuerToken.String
	c.Last4 = lastFour.String
	c.Status = Status(status)
	c.AuthorizationID = authorizationID.String
	c.RefundTxHash = refundTxHash.String
	if settledAt.Valid {
		t := settledAt.Time
		c.SettledAt = &t
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
