package files

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service implements the file lifecycle: upload, listing, bin/restore,
// permanent delete and sharing. All lifecycle transitions for a given file
// ID are serialized through a per-ID lock; operations on different IDs
// proceed independently.
type Service struct {
	storage BlobStorage
	repo    FileRepository

	mu    sync.Mutex
	locks map[string]*idLock
}

// idLock is a refcounted mutex for one file ID. The table entry is
// dropped once the last holder releases, so lookups of bogus IDs do not
// grow the table for the process lifetime.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a new file service
func NewService(storage BlobStorage, repo FileRepository) *Service {
	return &Service{
		storage: storage,
		repo:    repo,
		locks:   make(map[string]*idLock),
	}
}

// lockID acquires the lock serializing operations on one file ID.
// The returned func releases it.
func (s *Service) lockID(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// UploadRequest represents a file upload request
type UploadRequest struct {
	// Name is the original filename of the upload.
	Name string
	// Title is the display name; defaults to Name without its extension.
	Title string
	// ContentType is the declared content type of the upload.
	ContentType string
	// Size is the declared byte length, checked before anything is written.
	Size    int64
	Owner   string
	Content io.Reader
}

// Upload validates and stores a file. The blob write and the record create
// form one unit: if the record cannot be created, the stored blob is
// removed again before the error is returned.
func (s *Service) Upload(req *UploadRequest) (*File, error) {
	fileType, err := Validate(req.ContentType, req.Size)
	if err != nil {
		return nil, err
	}

	title := req.Title
	if title == "" {
		title = strings.TrimSuffix(req.Name, filepath.Ext(req.Name))
	}

	id := uuid.New().String()
	storagePath := id + "." + string(fileType)

	size, err := s.storage.Save(storagePath, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	// The declared size passed validation; the written size is what counts.
	if size > MaxUploadSize {
		if err := s.storage.Delete(storagePath); err != nil {
			slog.Error("Failed to clean up oversized blob", "error", err, "path", storagePath)
		}
		return nil, fmt.Errorf("%w: upload body was larger than declared", ErrTooLarge)
	}

	file := &File{
		ID:          id,
		Title:       title,
		Type:        fileType,
		Size:        size,
		StoragePath: storagePath,
		Status:      StatusActive,
		Owner:       req.Owner,
		UploadedAt:  time.Now().UTC(),
	}

	if err := s.repo.Create(file); err != nil {
		// Clean up the blob if the record create fails
		if derr := s.storage.Delete(storagePath); derr != nil {
			slog.Error("Failed to clean up blob after create failure", "error", derr, "path", storagePath)
		}
		return nil, fmt.Errorf("failed to save file metadata: %w", err)
	}

	return file, nil
}

// Get retrieves a file record by ID. Permanently deleted files are not
// found.
func (s *Service) Get(id string) (*File, error) {
	file, err := s.repo.FindByID(id)
	if err != nil {
		return nil, err
	}
	if file.Status == StatusDeleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return file, nil
}

// List retrieves an owner's files with the given status, newest first.
// An empty status defaults to active.
func (s *Service) List(owner string, status Status) ([]*File, error) {
	if status == "" {
		status = StatusActive
	}
	return s.repo.List(owner, status)
}

// ListBin retrieves an owner's binned files, newest first.
func (s *Service) ListBin(owner string) ([]*File, error) {
	return s.repo.List(owner, StatusBinned)
}

// GetContent returns a reader over the file content for inline viewing.
// Only txt and json files are viewable, and only while active.
func (s *Service) GetContent(id string) (*File, io.ReadCloser, error) {
	file, err := s.openActive(id)
	if err != nil {
		return nil, nil, err
	}
	if !file.Type.Viewable() {
		return nil, nil, fmt.Errorf("%w: %s content cannot be viewed inline", ErrUnsupportedType, file.Type)
	}

	content, err := s.storage.Open(file.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file content: %w", err)
	}
	return file, content, nil
}

// Download returns a reader over the file content for any file type,
// along with the record carrying the download filename and content type.
func (s *Service) Download(id string) (*File, io.ReadCloser, error) {
	file, err := s.openActive(id)
	if err != nil {
		return nil, nil, err
	}

	content, err := s.storage.Open(file.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file content: %w", err)
	}
	return file, content, nil
}

// openActive loads a record and checks it is servable: binned files are
// hidden until restored.
func (s *Service) openActive(id string) (*File, error) {
	file, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if file.Status != StatusActive {
		return nil, fmt.Errorf("%w: file is in the bin", ErrInvalidState)
	}
	return file, nil
}

// MoveToBin transitions an active file to the bin and stamps deleted_at.
func (s *Service) MoveToBin(id string) (*File, error) {
	defer s.lockID(id)()

	if err := s.checkNotDeleted(id); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateStatus(id, []Status{StatusActive}, StatusBinned, &now); err != nil {
		return nil, err
	}
	return s.repo.FindByID(id)
}

// Restore transitions a binned file back to active and clears deleted_at.
func (s *Service) Restore(id string) (*File, error) {
	defer s.lockID(id)()

	if err := s.checkNotDeleted(id); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateStatus(id, []Status{StatusBinned}, StatusActive, nil); err != nil {
		return nil, err
	}
	return s.repo.FindByID(id)
}

// checkNotDeleted maps tombstones to not-found so permanently deleted
// files stay invisible to callers. Must be called with the ID lock held.
func (s *Service) checkNotDeleted(id string) error {
	file, err := s.repo.FindByID(id)
	if err != nil {
		return err
	}
	if file.Status == StatusDeleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// PermanentDelete removes a file for good: the blob is deleted, all share
// grants are revoked, and the record becomes a deleted tombstone. A blob
// that is already missing does not block the transition; the error is
// logged and the metadata still moves on.
func (s *Service) PermanentDelete(id string) error {
	defer s.lockID(id)()

	file, err := s.repo.FindByID(id)
	if err != nil {
		return err
	}
	if file.Status == StatusDeleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := s.storage.Delete(file.StoragePath); err != nil {
		slog.Warn("Failed to delete blob, proceeding with metadata", "error", err, "file_id", id, "path", file.StoragePath)
	}

	if err := s.repo.RemoveGrants(id); err != nil {
		return fmt.Errorf("failed to revoke shares: %w", err)
	}

	if err := s.repo.UpdateStatus(id, []Status{StatusActive, StatusBinned}, StatusDeleted, nil); err != nil {
		return err
	}
	return nil
}

// Purge removes a deleted tombstone record entirely. Only records that
// have already been permanently deleted can be purged.
func (s *Service) Purge(id string) error {
	defer s.lockID(id)()
	return s.repo.Purge(id)
}

// Share grants the given users access to a file. Granting to a user who
// already has access is a no-op. Binned files can still be shared; the
// grant shows up for the grantee once the file is active again.
func (s *Service) Share(id string, grantees []string) error {
	defer s.lockID(id)()

	file, err := s.repo.FindByID(id)
	if err != nil {
		return err
	}
	if file.Status == StatusDeleted {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	users := make([]string, 0, len(grantees))
	for _, g := range grantees {
		if g != "" && g != file.Owner {
			users = append(users, g)
		}
	}
	if len(users) == 0 {
		return nil
	}

	if err := s.repo.AddGrants(id, users); err != nil {
		return fmt.Errorf("failed to record shares: %w", err)
	}
	return nil
}

// ListSharedWith retrieves the active files shared with a user, newest
// first.
func (s *Service) ListSharedWith(user string) ([]*File, error) {
	return s.repo.ListSharedWith(user)
}

// ListUsers enumerates the user identifiers known to the system, for
// picking share targets.
func (s *Service) ListUsers() ([]string, error) {
	return s.repo.ListUsers()
}
