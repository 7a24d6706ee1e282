package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finlink/internal/domain/item"
	"finlink/internal/domain/linking"
)

// DocumentCipher seals holder documents at rest.
type DocumentCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// LinkRepository implements linking.LinkStore over the openi_links table.
type LinkRepository struct {
	db     *DB
	cipher DocumentCipher
}

// NewLinkRepository creates a link repository. Without a cipher, holder
// documents are not stored at all.
func NewLinkRepository(db *DB, cipher DocumentCipher) *LinkRepository {
	return &LinkRepository{db: db, cipher: cipher}
}

const linkColumns = `item_id, company_id, tenant_id, connector_id, connector_name, account_id,
		       status, holder_document, created_at, updated_at`

const saveLinkQuery = `
	INSERT INTO openi_links (item_id, company_id, tenant_id, connector_id, connector_name, account_id, status, holder_document)
	VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::text, 'PENDING'), $8)
	ON CONFLICT (item_id) DO UPDATE
		SET company_id = EXCLUDED.company_id,
		    tenant_id = COALESCE(EXCLUDED.tenant_id, openi_links.tenant_id),
		    connector_id = COALESCE(EXCLUDED.connector_id, openi_links.connector_id),
		    connector_name = COALESCE(EXCLUDED.connector_name, openi_links.connector_name),
		    account_id = COALESCE(EXCLUDED.account_id, openi_links.account_id),
		    status = COALESCE($7::text, openi_links.status),
		    holder_document = COALESCE(EXCLUDED.holder_document, openi_links.holder_document),
		    updated_at = NOW()
`

// SaveLink inserts the link or refreshes an existing one. Empty fields
// never overwrite stored values; a new link without a status is PENDING.
func (r *LinkRepository) SaveLink(ctx context.Context, link linking.Link) error {
	if link.ItemID == "" || link.CompanyID == "" {
		return errors.New("item ID and company ID are required")
	}

	sealed, err := sealDocument(r.cipher, link.HolderDocument)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, saveLinkQuery, saveLinkArgs(link, sealed)...); err != nil {
		return fmt.Errorf("failed to save link: %w", err)
	}
	return nil
}

func saveLinkArgs(link linking.Link, sealed sql.NullString) []any {
	return []any{
		link.ItemID, link.CompanyID, nullString(link.TenantID), nullInt64(link.ConnectorID),
		nullString(link.ConnectorName), nullString(link.AccountID), nullString(string(link.Status)), sealed,
	}
}

// UpdateLinkStatus records the item's latest status.
func (r *LinkRepository) UpdateLinkStatus(ctx context.Context, itemID string, status item.Status) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE openi_links SET status = $1, updated_at = NOW() WHERE item_id = $2 AND status <> $1`,
		string(status), itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to update link status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Nothing changed: either the status was already current or the link is unknown.
	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM openi_links WHERE item_id = $1)`, itemID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check link: %w", err)
	}
	if !exists {
		return linking.ErrLinkNotFound
	}
	return nil
}

// GetLink returns the link stored for itemID.
func (r *LinkRepository) GetLink(ctx context.Context, itemID string) (*linking.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM openi_links WHERE item_id = $1`

	var row linkRow
	err := r.db.QueryRowContext(ctx, query, itemID).Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, linking.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}

	link, err := row.toLink(r.cipher)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// ListLinks returns the company's links, most recently updated first.
func (r *LinkRepository) ListLinks(ctx context.Context, companyID string) ([]linking.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM openi_links WHERE company_id = $1 ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []linking.Link
	for rows.Next() {
		var row linkRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		link, err := row.toLink(r.cipher)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

type linkRow struct {
	link           linking.Link
	tenantID       sql.NullString
	connectorID    sql.NullInt64
	connectorName  sql.NullString
	accountID      sql.NullString
	status         string
	holderDocument sql.NullString
}

func (r *linkRow) dest() []any {
	return []any{
		&r.link.ItemID, &r.link.CompanyID, &r.tenantID, &r.connectorID, &r.connectorName,
		&r.accountID, &r.status, &r.holderDocument, &r.link.CreatedAt, &r.link.UpdatedAt,
	}
}

func (r *linkRow) toLink(cipher DocumentCipher) (linking.Link, error) {
	link := r.link
	link.TenantID = r.tenantID.String
	link.ConnectorID = r.connectorID.Int64
	link.ConnectorName = r.connectorName.String
	link.AccountID = r.accountID.String
	link.Status = item.ParseStatus(r.status)

	doc, err := openDocument(cipher, r.holderDocument)
	if err != nil {
		return linking.Link{}, fmt.Errorf("item %s: %w", link.ItemID, err)
	}
	link.HolderDocument = doc
	return link, nil
}

func sealDocument(cipher DocumentCipher, doc string) (sql.NullString, error) {
	if cipher == nil || doc == "" {
		return sql.NullString{}, nil
	}
	sealed, err := cipher.Encrypt(doc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encrypt holder document: %w", err)
	}
	return nullString(sealed), nil
}

func openDocument(cipher DocumentCipher, sealed sql.NullString) (string, error) {
	if cipher == nil || !sealed.Valid || sealed.String == "" {
		return "", nil
	}
	doc, err := cipher.Decrypt(sealed.String)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt holder document: %w", err)
	}
	return doc, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}
