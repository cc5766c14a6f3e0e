package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pavel-fokin/file-bin/internal/files"
	_ "modernc.org/sqlite"
)

// Repository implements files.FileRepository using SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite repository
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{db: db}

	// Initialize database schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates the necessary database tables
func (r *Repository) initSchema() error {
	createTablesQuery := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		status TEXT NOT NULL,
		owner TEXT NOT NULL,
		uploaded_at DATETIME NOT NULL,
		deleted_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS file_shares (
		file_id TEXT NOT NULL,
		grantee TEXT NOT NULL,
		PRIMARY KEY (file_id, grantee)
	);`
	if _, err := r.db.Exec(createTablesQuery); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	createIndexesQuery := `
	CREATE INDEX IF NOT EXISTS idx_files_owner_status ON files(owner, status, uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
	CREATE INDEX IF NOT EXISTS idx_file_shares_grantee ON file_shares(grantee);
	`
	if _, err := r.db.Exec(createIndexesQuery); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

const fileColumns = "id, title, file_type, file_size, storage_path, status, owner, uploaded_at, deleted_at"

// scanFile reads one file row.
func scanFile(scan func(dest ...any) error) (*files.File, error) {
	var file files.File
	var deletedAt sql.NullTime
	err := scan(
		&file.ID,
		&file.Title,
		&file.Type,
		&file.Size,
		&file.StoragePath,
		&file.Status,
		&file.Owner,
		&file.UploadedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		file.DeletedAt = &t
	}
	return &file, nil
}

// Create stores a new file record
func (r *Repository) Create(file *files.File) error {
	query := `
	INSERT INTO files (` + fileColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var deletedAt any
	if file.DeletedAt != nil {
		deletedAt = *file.DeletedAt
	}

	_, err := r.db.Exec(query,
		file.ID,
		file.Title,
		file.Type,
		file.Size,
		file.StoragePath,
		file.Status,
		file.Owner,
		file.UploadedAt,
		deletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// FindByID retrieves a file record by ID, including deleted tombstones
func (r *Repository) FindByID(id string) (*files.File, error) {
	query := `
	SELECT ` + fileColumns + `
	FROM files
	WHERE id = ?
	`

	file, err := scanFile(r.db.QueryRow(query, id).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", files.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}

	return file, nil
}

// List retrieves an owner's file records with the given status, most
// recent first with ID as the tie-break. Deleted records are never listed.
func (r *Repository) List(owner string, status files.Status) ([]*files.File, error) {
	if status == files.StatusDeleted {
		return nil, nil
	}

	query := `
	SELECT ` + fileColumns + `
	FROM files
	WHERE owner = ? AND status = ?
	ORDER BY uploaded_at DESC, id DESC
	`

	rows, err := r.db.Query(query, owner, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// collectFiles drains a file row set.
func collectFiles(rows *sql.Rows) ([]*files.File, error) {
	var fileList []*files.File
	for rows.Next() {
		file, err := scanFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		fileList = append(fileList, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}

	return fileList, nil
}

// UpdateStatus transitions a record to a new status in a single guarded
// UPDATE: the row must currently be in one of the from statuses, so an
// illegal transition can never half-apply. deleted_at is set or cleared
// in the same statement.
func (r *Repository) UpdateStatus(id string, from []files.Status, to files.Status, deletedAt *time.Time) error {
	placeholders := make([]string, len(from))
	args := make([]any, 0, len(from)+3)

	if deletedAt != nil {
		args = append(args, *deletedAt)
	} else {
		args = append(args, nil)
	}
	args = append(args, to, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := fmt.Sprintf(`
	UPDATE files
	SET deleted_at = ?, status = ?
	WHERE id = ? AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	result, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Either the record is gone or it is in the wrong state.
		var current files.Status
		err := r.db.QueryRow(`SELECT status FROM files WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", files.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to check file status: %w", err)
		}
		return fmt.Errorf("%w: cannot move %s file to %s", files.ErrInvalidState, current, to)
	}

	return nil
}

// Purge removes a record entirely. Only deleted tombstones can be purged.
func (r *Repository) Purge(id string) error {
	result, err := r.db.Exec(`DELETE FROM files WHERE id = ? AND status = ?`, id, files.StatusDeleted)
	if err != nil {
		return fmt.Errorf("failed to purge file record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var current files.Status
		err := r.db.QueryRow(`SELECT status FROM files WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", files.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to check file status: %w", err)
		}
		return fmt.Errorf("%w: cannot purge %s file", files.ErrInvalidState, current)
	}

	return nil
}

// AddGrants records share grants for a file. Granting to an
// already-granted user is a no-op.
func (r *Repository) AddGrants(fileID string, grantees []string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, grantee := range grantees {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO file_shares (file_id, grantee) VALUES (?, ?)`,
			fileID, grantee,
		); err != nil {
			return fmt.Errorf("failed to record share grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit share grants: %w", err)
	}

	return nil
}

// RemoveGrants drops all share grants for a file
func (r *Repository) RemoveGrants(fileID string) error {
	if _, err := r.db.Exec(`DELETE FROM file_shares WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to remove share grants: %w", err)
	}
	return nil
}

// ListSharedWith retrieves the active files shared with a user, most
// recent first with ID as the tie-break
func (r *Repository) ListSharedWith(user string) ([]*files.File, error) {
	query := `
	SELECT f.` + strings.ReplaceAll(fileColumns, ", ", ", f.") + `
	FROM files f
	JOIN file_shares s ON s.file_id = f.id
	WHERE s.grantee = ? AND f.status = ?
	ORDER BY f.uploaded_at DESC, f.id DESC
	`

	rows, err := r.db.Query(query, user, files.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query shared files: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// ListUsers enumerates every user known as an owner or a grantee, sorted
func (r *Repository) ListUsers() ([]string, error) {
	query := `
	SELECT owner AS user FROM files WHERE owner != ''
	UNION
	SELECT grantee FROM file_shares
	ORDER BY user
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	return users, nil
}
