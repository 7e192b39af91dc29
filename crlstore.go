package certbridge

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/certbridge/certbridge/internal/x509crl"

	// Pure-Go SQLite driver for database/sql (used by Store).
	_ "github.com/glebarez/sqlite"
)

// storeTimeLayout matches the compact UTC form the CRL accessors render,
// so lexicographic comparison in SQL is also chronological.
const storeTimeLayout = "20060102150405Z"

const storeSchema = `
CREATE TABLE IF NOT EXISTS crls (
	url         TEXT PRIMARY KEY,
	issuer      TEXT NOT NULL,
	this_update TEXT NOT NULL DEFAULT '',
	next_update TEXT NOT NULL DEFAULT '',
	fetched_at  TEXT NOT NULL,
	der         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS crls_issuer ON crls(issuer);
`

// Store is a SQLite-backed CRL cache keyed by distribution point URL.
// Entries are validated on the way in: Put parses the bytes and stores the
// canonical DER along with the issuer and update window for lookups and
// pruning.
type Store struct {
	db *sql.DB
}

// StoredCRL is one cached revocation list row.
type StoredCRL struct {
	URL        string
	Issuer     string
	ThisUpdate string // compact UTC, empty when absent
	NextUpdate string // compact UTC, empty when absent
	FetchedAt  string // compact UTC
	DER        []byte
}

// OpenStore opens (or creates) a CRL cache database at the given path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening CRL store %q: %w", path, err)
	}
	// WAL keeps readers working during a Put. Failure leaves the default
	// journal mode, which still functions.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing CRL store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMemoryStore creates an in-memory Store for testing.
func NewMemoryStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory CRL store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing CRL store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put validates and upserts a CRL under its distribution point URL. The
// bytes may be DER or PEM; the canonical DER is what gets stored.
func (s *Store) Put(url string, data []byte) error {
	if url == "" {
		return fmt.Errorf("store: url must not be empty")
	}
	crl, cerr := x509crl.Parse(data, sniffFormat(data))
	if cerr != nil {
		return fmt.Errorf("store: %s", cerr.Message)
	}

	nextUpdate, _ := crl.NextUpdate()
	fetchedAt := time.Now().UTC().Format(storeTimeLayout)

	_, err := s.db.Exec(`
		INSERT INTO crls (url, issuer, this_update, next_update, fetched_at, der)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			issuer      = excluded.issuer,
			this_update = excluded.this_update,
			next_update = excluded.next_update,
			fetched_at  = excluded.fetched_at,
			der         = excluded.der`,
		url, crl.IssuerName(), crl.LastUpdate(), nextUpdate, fetchedAt, crl.DER())
	if err != nil {
		return fmt.Errorf("store: upserting %s: %w", url, err)
	}
	return nil
}

// Get returns the cached CRL for a URL, or nil when the URL is not cached.
func (s *Store) Get(url string) (*StoredCRL, error) {
	row := s.db.QueryRow(
		"SELECT url, issuer, this_update, next_update, fetched_at, der FROM crls WHERE url = ?", url)
	var c StoredCRL
	err := row.Scan(&c.URL, &c.Issuer, &c.ThisUpdate, &c.NextUpdate, &c.FetchedAt, &c.DER)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", url, err)
	}
	return &c, nil
}

// ByIssuer returns all cached CRLs issued by the given distinguished name,
// in URL order.
func (s *Store) ByIssuer(issuer string) ([]StoredCRL, error) {
	rows, err := s.db.Query(
		"SELECT url, issuer, this_update, next_update, fetched_at, der FROM crls WHERE issuer = ? ORDER BY url", issuer)
	if err != nil {
		return nil, fmt.Errorf("store: querying issuer %q: %w", issuer, err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredCRL
	for rows.Next() {
		var c StoredCRL
		if err := rows.Scan(&c.URL, &c.Issuer, &c.ThisUpdate, &c.NextUpdate, &c.FetchedAt, &c.DER); err != nil {
			return nil, fmt.Errorf("store: scanning row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune deletes CRLs whose nextUpdate has passed and returns how many rows
// were removed. CRLs without a nextUpdate are kept.
func (s *Store) Prune(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM crls WHERE next_update <> '' AND next_update < ?",
		now.UTC().Format(storeTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("store: pruning: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of cached CRLs.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM crls").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting: %w", err)
	}
	return n, nil
}

// sniffFormat guesses the encoding of CRL or certificate bytes: PEM armor
// starts with a dash banner, everything else is treated as DER.
func sniffFormat(data []byte) x509crl.Format {
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("-----BEGIN")) {
		return x509crl.FormatPEM
	}
	return x509crl.FormatDER
}
