package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/hylozoic/entitlements/internal/entitlements"
	apperrors "github.com/hylozoic/entitlements/internal/errors"
)

// SQLiteStore implements EntitlementStore and OfferingRepository on a
// single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the entitlements database under dataDir.
func Open(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "entitlements.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open entitlements database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().
		Str("dbPath", dbPath).
		Msg("Entitlements store initialized")

	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS offerings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL,
		merchant_account_id TEXT NOT NULL,
		external_product_id TEXT NOT NULL DEFAULT '',
		external_price_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'usd',
		access_grants TEXT NOT NULL DEFAULT '{}',
		duration TEXT NOT NULL DEFAULT '',
		renewal_policy TEXT NOT NULL DEFAULT 'auto',
		publish_status TEXT NOT NULL DEFAULT 'unpublished',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offerings_group ON offerings(group_id);
	CREATE INDEX IF NOT EXISTS idx_offerings_product ON offerings(merchant_account_id, external_product_id);

	CREATE TABLE IF NOT EXISTS access_grants (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		offering_id INTEGER NOT NULL DEFAULT 0,
		group_id INTEGER NOT NULL,
		track_id INTEGER NOT NULL DEFAULT 0,
		role_id INTEGER NOT NULL DEFAULT 0,
		access_type TEXT NOT NULL,
		status TEXT NOT NULL,
		subscription_ref TEXT NOT NULL DEFAULT '',
		session_ref TEXT NOT NULL DEFAULT '',
		payment_intent_ref TEXT NOT NULL DEFAULT '',
		expires_at INTEGER,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grants_subscription ON access_grants(subscription_ref) WHERE subscription_ref != '';
	CREATE INDEX IF NOT EXISTS idx_grants_session ON access_grants(session_ref) WHERE session_ref != '';
	CREATE INDEX IF NOT EXISTS idx_grants_payment_intent ON access_grants(payment_intent_ref) WHERE payment_intent_ref != '';
	CREATE INDEX IF NOT EXISTS idx_grants_user ON access_grants(user_id);
	CREATE INDEX IF NOT EXISTS idx_grants_status ON access_grants(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

const grantColumns = `id, user_id, offering_id, group_id, track_id, role_id, access_type, status,
	subscription_ref, session_ref, payment_intent_ref, expires_at, metadata, created_at, updated_at`

// CreateGrant inserts a grant, stamping created/updated times.
func (s *SQLiteStore) CreateGrant(ctx context.Context, g *entitlements.AccessGrant) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	meta, err := marshalMeta(g.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode grant metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO access_grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, g.OfferingID, g.GroupID, g.TrackID, g.RoleID,
		string(g.AccessType), string(g.Status),
		g.SubscriptionRef, g.SessionRef, g.PaymentIntentRef,
		nullableUnix(g.ExpiresAt), meta, g.CreatedAt.Unix(), g.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

// UpdateGrant persists status, refs, expiry and metadata changes.
func (s *SQLiteStore) UpdateGrant(ctx context.Context, g *entitlements.AccessGrant) error {
	g.UpdatedAt = time.Now().UTC()

	meta, err := marshalMeta(g.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode grant metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE access_grants
		SET status = ?, access_type = ?, subscription_ref = ?, session_ref = ?,
			payment_intent_ref = ?, expires_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		string(g.Status), string(g.AccessType), g.SubscriptionRef, g.SessionRef,
		g.PaymentIntentRef, nullableUnix(g.ExpiresAt), meta, g.UpdatedAt.Unix(), g.ID)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "update_grant", g.ID, apperrors.ErrNotFound)
	}
	return nil
}

// GrantByID fetches a single grant.
func (s *SQLiteStore) GrantByID(ctx context.Context, id string) (*entitlements.AccessGrant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE id = ?`, id)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "grant_by_id", id, apperrors.ErrNotFound)
	}
	return g, err
}

func (s *SQLiteStore) GrantsBySubscription(ctx context.Context, ref string) ([]*entitlements.AccessGrant, error) {
	return s.queryGrants(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE subscription_ref = ? ORDER BY created_at`, ref)
}

func (s *SQLiteStore) GrantsBySession(ctx context.Context, ref string) ([]*entitlements.AccessGrant, error) {
	return s.queryGrants(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE session_ref = ? ORDER BY created_at`, ref)
}

func (s *SQLiteStore) GrantsByPaymentIntent(ctx context.Context, ref string) ([]*entitlements.AccessGrant, error) {
	return s.queryGrants(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE payment_intent_ref = ? ORDER BY created_at`, ref)
}

func (s *SQLiteStore) GrantsForUser(ctx context.Context, userID int64) ([]*entitlements.AccessGrant, error) {
	return s.queryGrants(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE user_id = ? ORDER BY created_at`, userID)
}

// ActiveGrantsPastExpiry returns active grants whose window has lapsed,
// for the reconciliation sweep to expire.
func (s *SQLiteStore) ActiveGrantsPastExpiry(ctx context.Context) ([]*entitlements.AccessGrant, error) {
	return s.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM access_grants
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY created_at`,
		string(entitlements.StatusActive), time.Now().UTC().Unix())
}

func (s *SQLiteStore) queryGrants(ctx context.Context, query string, args ...any) ([]*entitlements.AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*entitlements.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*entitlements.AccessGrant, error) {
	var (
		g          entitlements.AccessGrant
		accessType string
		status     string
		expiresAt  sql.NullInt64
		meta       string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&g.ID, &g.UserID, &g.OfferingID, &g.GroupID, &g.TrackID, &g.RoleID,
		&accessType, &status, &g.SubscriptionRef, &g.SessionRef, &g.PaymentIntentRef,
		&expiresAt, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	g.AccessType = entitlements.AccessType(accessType)
	g.Status = entitlements.GrantStatus(status)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		g.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(meta), &g.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode grant metadata: %w", err)
	}
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	g.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &g, nil
}

const offeringColumns = `id, group_id, merchant_account_id, external_product_id, external_price_id,
	name, description, price_cents, currency, access_grants, duration, renewal_policy,
	publish_status, created_at, updated_at`

// CreateOffering inserts an offering and backfills its assigned id.
func (s *SQLiteStore) CreateOffering(ctx context.Context, o *entitlements.Offering) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	grants, err := json.Marshal(o.AccessGrants)
	if err != nil {
		return fmt.Errorf("failed to encode access grants: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO offerings (group_id, merchant_account_id, external_product_id, external_price_id,
			name, description, price_cents, currency, access_grants, duration, renewal_policy,
			publish_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.GroupID, o.MerchantAccountID, o.ExternalProductID, o.ExternalPriceID,
		o.Name, o.Description, o.PriceCents, o.Currency, string(grants),
		string(o.Duration), string(o.RenewalPolicy), string(o.PublishStatus),
		o.CreatedAt.Unix(), o.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert offering: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// UpdateOffering persists offering changes.
func (s *SQLiteStore) UpdateOffering(ctx context.Context, o *entitlements.Offering) error {
	o.UpdatedAt = time.Now().UTC()

	grants, err := json.Marshal(o.AccessGrants)
	if err != nil {
		return fmt.Errorf("failed to encode access grants: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE offerings
		SET merchant_account_id = ?, external_product_id = ?, external_price_id = ?,
			name = ?, description = ?, price_cents = ?, currency = ?, access_grants = ?,
			duration = ?, renewal_policy = ?, publish_status = ?, updated_at = ?
		WHERE id = ?`,
		o.MerchantAccountID, o.ExternalProductID, o.ExternalPriceID,
		o.Name, o.Description, o.PriceCents, o.Currency, string(grants),
		string(o.Duration), string(o.RenewalPolicy), string(o.PublishStatus),
		o.UpdatedAt.Unix(), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update offering: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "update_offering", fmt.Sprint(o.ID), apperrors.ErrNotFound)
	}
	return nil
}

// ArchiveOffering hides an offering from sale without deleting it.
func (s *SQLiteStore) ArchiveOffering(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offerings SET publish_status = ?, updated_at = ? WHERE id = ?`,
		string(entitlements.PublishArchived), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to archive offering: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "archive_offering", fmt.Sprint(id), apperrors.ErrNotFound)
	}
	return nil
}

// GetOffering fetches a single offering.
func (s *SQLiteStore) GetOffering(ctx context.Context, id int64) (*entitlements.Offering, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+offeringColumns+` FROM offerings WHERE id = ?`, id)
	o, err := scanOffering(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "get_offering", fmt.Sprint(id), apperrors.ErrNotFound)
	}
	return o, err
}

// OfferingByExternalProduct resolves the offering a provider product maps
// to, scoped by merchant account since product ids are per-account.
func (s *SQLiteStore) OfferingByExternalProduct(ctx context.Context, account, productID string) (*entitlements.Offering, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+offeringColumns+` FROM offerings
		WHERE merchant_account_id = ? AND external_product_id = ?`, account, productID)
	o, err := scanOffering(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "offering_by_product", productID, apperrors.ErrNotFound)
	}
	return o, err
}

// OfferingsByGroup lists a group's offerings, newest first.
func (s *SQLiteStore) OfferingsByGroup(ctx context.Context, groupID int64) ([]*entitlements.Offering, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offeringColumns+` FROM offerings WHERE group_id = ? ORDER BY created_at DESC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offerings: %w", err)
	}
	defer rows.Close()

	var offerings []*entitlements.Offering
	for rows.Next() {
		o, err := scanOffering(rows)
		if err != nil {
			return nil, err
		}
		offerings = append(offerings, o)
	}
	return offerings, rows.Err()
}

// MerchantAccounts lists the distinct connected accounts with sellable
// offerings, for the reconciliation sweep.
func (s *SQLiteStore) MerchantAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT merchant_account_id FROM offerings
		WHERE merchant_account_id != '' AND publish_status != ?`,
		string(entitlements.PublishArchived))
	if err != nil {
		return nil, fmt.Errorf("failed to query merchant accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var acct string
		if err := rows.Scan(&acct); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func scanOffering(row rowScanner) (*entitlements.Offering, error) {
	var (
		o         entitlements.Offering
		grants    string
		duration  string
		policy    string
		publish   string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&o.ID, &o.GroupID, &o.MerchantAccountID, &o.ExternalProductID, &o.ExternalPriceID,
		&o.Name, &o.Description, &o.PriceCents, &o.Currency, &grants,
		&duration, &policy, &publish, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(grants), &o.AccessGrants); err != nil {
		return nil, fmt.Errorf("failed to decode access grants: %w", err)
	}
	o.Duration = entitlements.Duration(duration)
	o.RenewalPolicy = entitlements.RenewalPolicy(policy)
	o.PublishStatus = entitlements.PublishStatus(publish)
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &o, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
