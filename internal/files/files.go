package files

import (
	"io"
	"time"
)

// Status is the lifecycle state of a stored file.
type Status string

const (
	// StatusActive is the normal state of an uploaded file.
	StatusActive Status = "active"
	// StatusBinned marks a file moved to the bin; it can still be restored.
	StatusBinned Status = "binned"
	// StatusDeleted marks a permanently deleted file. Terminal: no
	// transition leads out of it and the blob is gone.
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusBinned, StatusDeleted:
		return true
	}
	return false
}

// FileType is the accepted classification of an upload.
type FileType string

const (
	TypeTxt  FileType = "txt"
	TypeJpg  FileType = "jpg"
	TypePng  FileType = "png"
	TypeJson FileType = "json"
)

// Viewable reports whether the file content can be served inline
// (plain text and JSON only; images go through download).
func (t FileType) Viewable() bool {
	return t == TypeTxt || t == TypeJson
}

// MimeType returns the content type the file is served with.
func (t FileType) MimeType() string {
	switch t {
	case TypeTxt:
		return "text/plain"
	case TypeJpg:
		return "image/jpeg"
	case TypePng:
		return "image/png"
	case TypeJson:
		return "application/json"
	}
	return "application/octet-stream"
}

// File represents the metadata of a stored file.
// StoragePath locates the blob on disk and is never serialized to clients.
type File struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Type        FileType   `json:"file_type"`
	Size        int64      `json:"file_size"`
	StoragePath string     `json:"-"`
	Status      Status     `json:"status"`
	Owner       string     `json:"owner"`
	UploadedAt  time.Time  `json:"uploaded_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Filename is the name the file is downloaded as: the title with the
// extension of its type appended when missing.
func (f *File) Filename() string {
	ext := "." + string(f.Type)
	if len(f.Title) > len(ext) && f.Title[len(f.Title)-len(ext):] == ext {
		return f.Title
	}
	return f.Title + ext
}

// ShareGrant records that a file is shared with one user.
type ShareGrant struct {
	FileID  string `json:"file_id"`
	Grantee string `json:"grantee"`
}

// FileRepository defines the interface for file metadata persistence
type FileRepository interface {
	// Create stores a new file record.
	Create(file *File) error

	// FindByID retrieves a record by ID, including deleted tombstones.
	FindByID(id string) (*File, error)

	// List retrieves records for an owner with the given status,
	// newest first. Deleted records are never returned.
	List(owner string, status Status) ([]*File, error)

	// UpdateStatus transitions a record from one of the given statuses
	// to a new status, updating deleted_at atomically. Returns
	// ErrInvalidState when the record is in none of the from statuses.
	UpdateStatus(id string, from []Status, to Status, deletedAt *time.Time) error

	// Purge removes a record entirely; legal only on deleted tombstones.
	Purge(id string) error

	// AddGrants records share grants for a file, ignoring duplicates.
	AddGrants(fileID string, grantees []string) error

	// RemoveGrants drops all grants for a file.
	RemoveGrants(fileID string) error

	// ListSharedWith retrieves active records shared with a user,
	// newest first.
	ListSharedWith(user string) ([]*File, error)

	// ListUsers enumerates all known user identifiers, sorted.
	ListUsers() ([]string, error)
}

// BlobStorage defines the interface for the physical blob storage
type BlobStorage interface {
	// Save writes content to a new blob at storagePath and returns the
	// number of bytes written. Fails with ErrAlreadyExists if a blob is
	// already stored at that path.
	Save(storagePath string, content io.Reader) (int64, error)

	// Open returns a reader for the blob content.
	Open(storagePath string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting an absent path is not an error.
	Delete(storagePath string) error
}
