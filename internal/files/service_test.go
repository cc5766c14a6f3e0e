package files_test

import (
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavel-fokin/file-bin/internal/files"
	"github.com/pavel-fokin/file-bin/internal/fs"
	"github.com/pavel-fokin/file-bin/internal/sqlite"
)

func newTestService(t *testing.T) *files.Service {
	t.Helper()

	dataDir := t.TempDir()
	storage, err := fs.NewStorage(dataDir)
	require.NoError(t, err)

	repo, err := sqlite.NewRepository(filepath.Join(dataDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return files.NewService(storage, repo)
}

func upload(t *testing.T, svc *files.Service, name, contentType, owner, content string) *files.File {
	t.Helper()

	file, err := svc.Upload(&files.UploadRequest{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(content)),
		Owner:       owner,
		Content:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return file
}

func TestUpload(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "test file content")

	assert.NotEmpty(t, file.ID)
	assert.Equal(t, "notes", file.Title)
	assert.Equal(t, files.TypeTxt, file.Type)
	assert.Equal(t, int64(len("test file content")), file.Size)
	assert.Equal(t, files.StatusActive, file.Status)
	assert.Equal(t, "alice", file.Owner)
	assert.Nil(t, file.DeletedAt)

	// The record is retrievable and the content round-trips.
	got, err := svc.Get(file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)

	_, content, err := svc.GetContent(file.ID)
	require.NoError(t, err)
	defer content.Close()
	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "test file content", string(data))
}

func TestUploadExplicitTitle(t *testing.T) {
	svc := newTestService(t)

	file, err := svc.Upload(&files.UploadRequest{
		Name:        "report-final-v2.json",
		Title:       "Quarterly report",
		ContentType: "application/json",
		Size:        2,
		Owner:       "alice",
		Content:     strings.NewReader("{}"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", file.Title)
}

func TestUploadRejections(t *testing.T) {
	svc := newTestService(t)

	t.Run("too large leaves nothing behind", func(t *testing.T) {
		_, err := svc.Upload(&files.UploadRequest{
			Name:        "big.txt",
			ContentType: "text/plain",
			Size:        6 * 1024 * 1024,
			Owner:       "alice",
			Content:     strings.NewReader("pretend this is six megabytes"),
		})
		assert.ErrorIs(t, err, files.ErrTooLarge)

		list, err := svc.List("alice", "")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unsupported type leaves nothing behind", func(t *testing.T) {
		_, err := svc.Upload(&files.UploadRequest{
			Name:        "malware.exe",
			ContentType: "application/octet-stream",
			Size:        10,
			Owner:       "alice",
			Content:     strings.NewReader("0123456789"),
		})
		assert.ErrorIs(t, err, files.ErrUnsupportedType)

		list, err := svc.List("alice", "")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestMoveToBinAndRestore(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")

	binned, err := svc.MoveToBin(file.ID)
	require.NoError(t, err)
	assert.Equal(t, files.StatusBinned, binned.Status)
	require.NotNil(t, binned.DeletedAt)

	// Gone from the active list, present in the bin.
	active, err := svc.List("alice", "")
	require.NoError(t, err)
	assert.Empty(t, active)

	bin, err := svc.ListBin("alice")
	require.NoError(t, err)
	require.Len(t, bin, 1)
	assert.Equal(t, file.ID, bin[0].ID)

	restored, err := svc.Restore(file.ID)
	require.NoError(t, err)
	assert.Equal(t, files.StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)

	// The round trip touches nothing else.
	assert.Equal(t, file.ID, restored.ID)
	assert.Equal(t, file.Title, restored.Title)
	assert.Equal(t, file.Type, restored.Type)
	assert.Equal(t, file.Size, restored.Size)
	assert.Equal(t, file.Owner, restored.Owner)
	assert.WithinDuration(t, file.UploadedAt, restored.UploadedAt, time.Second)

	active, err = svc.List("alice", "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, file.ID, active[0].ID)
}

func TestIllegalTransitions(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")

	// restore on an active file
	_, err := svc.Restore(file.ID)
	assert.ErrorIs(t, err, files.ErrInvalidState)

	_, err = svc.MoveToBin(file.ID)
	require.NoError(t, err)

	// move_to_bin on an already binned file
	_, err = svc.MoveToBin(file.ID)
	assert.ErrorIs(t, err, files.ErrInvalidState)

	// any transition on an unknown id
	_, err = svc.MoveToBin("no-such-id")
	assert.ErrorIs(t, err, files.ErrNotFound)
	_, err = svc.Restore("no-such-id")
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestPermanentDelete(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "photo.jpg", "image/jpeg", "alice", "jpeg bytes")
	require.NoError(t, svc.Share(file.ID, []string{"bob"}))

	require.NoError(t, svc.PermanentDelete(file.ID))

	// The record is no longer visible anywhere.
	_, err := svc.Get(file.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)

	_, _, err = svc.Download(file.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)

	list, err := svc.List("alice", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	bin, err := svc.ListBin("alice")
	require.NoError(t, err)
	assert.Empty(t, bin)

	shared, err := svc.ListSharedWith("bob")
	require.NoError(t, err)
	assert.Empty(t, shared)

	// Deleting again behaves like the file never existed.
	assert.ErrorIs(t, svc.PermanentDelete(file.ID), files.ErrNotFound)

	// And no transition leads out of deleted.
	_, err = svc.Restore(file.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)
	_, err = svc.MoveToBin(file.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestPermanentDeleteFromBin(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")
	_, err := svc.MoveToBin(file.ID)
	require.NoError(t, err)

	require.NoError(t, svc.PermanentDelete(file.ID))

	_, err = svc.Get(file.ID)
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestPurge(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")

	// Purge is only legal on deleted tombstones.
	assert.ErrorIs(t, svc.Purge(file.ID), files.ErrInvalidState)

	require.NoError(t, svc.PermanentDelete(file.ID))
	require.NoError(t, svc.Purge(file.ID))

	assert.ErrorIs(t, svc.Purge(file.ID), files.ErrNotFound)
}

func TestShare(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "photo.jpg", "image/jpeg", "alice", "jpeg bytes")

	require.NoError(t, svc.Share(file.ID, []string{"bob"}))

	shared, err := svc.ListSharedWith("bob")
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, file.ID, shared[0].ID)

	// Sharing twice with the same grantee is a no-op.
	require.NoError(t, svc.Share(file.ID, []string{"bob", "carol"}))

	shared, err = svc.ListSharedWith("bob")
	require.NoError(t, err)
	assert.Len(t, shared, 1)

	shared, err = svc.ListSharedWith("carol")
	require.NoError(t, err)
	assert.Len(t, shared, 1)

	// Sharing an unknown file fails.
	assert.ErrorIs(t, svc.Share("no-such-id", []string{"bob"}), files.ErrNotFound)
}

func TestShareSurvivesBinRoundTrip(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")
	require.NoError(t, svc.Share(file.ID, []string{"bob"}))

	// A binned file disappears from the grantee's view.
	_, err := svc.MoveToBin(file.ID)
	require.NoError(t, err)

	shared, err := svc.ListSharedWith("bob")
	require.NoError(t, err)
	assert.Empty(t, shared)

	// The grant is still there once the file is restored.
	_, err = svc.Restore(file.ID)
	require.NoError(t, err)

	shared, err = svc.ListSharedWith("bob")
	require.NoError(t, err)
	assert.Len(t, shared, 1)
}

func TestContentOnlyForViewableTypes(t *testing.T) {
	svc := newTestService(t)

	photo := upload(t, svc, "photo.png", "image/png", "alice", "png bytes")
	_, _, err := svc.GetContent(photo.ID)
	assert.ErrorIs(t, err, files.ErrUnsupportedType)

	// Download works for any type.
	_, content, err := svc.Download(photo.ID)
	require.NoError(t, err)
	defer content.Close()
	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}

func TestBinnedFileIsNotServable(t *testing.T) {
	svc := newTestService(t)

	file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")
	_, err := svc.MoveToBin(file.ID)
	require.NoError(t, err)

	_, _, err = svc.GetContent(file.ID)
	assert.ErrorIs(t, err, files.ErrInvalidState)

	_, _, err = svc.Download(file.ID)
	assert.ErrorIs(t, err, files.ErrInvalidState)
}

func TestListUsers(t *testing.T) {
	svc := newTestService(t)

	fileA := upload(t, svc, "a.txt", "text/plain", "alice", "a")
	upload(t, svc, "b.txt", "text/plain", "dave", "b")
	require.NoError(t, svc.Share(fileA.ID, []string{"bob", "carol"}))

	users, err := svc.ListUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, users)
}

func TestConcurrentMoveToBin(t *testing.T) {
	svc := newTestService(t)

	// Exactly one of two racing move_to_bin calls wins; the loser sees
	// the already-binned record.
	for i := 0; i < 20; i++ {
		file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, errs[j] = svc.MoveToBin(file.ID)
			}(j)
		}
		wg.Wait()

		if errs[0] == nil {
			assert.ErrorIs(t, errs[1], files.ErrInvalidState)
		} else {
			assert.NoError(t, errs[1])
			assert.ErrorIs(t, errs[0], files.ErrInvalidState)
		}

		got, err := svc.Get(file.ID)
		require.NoError(t, err)
		assert.Equal(t, files.StatusBinned, got.Status)
		require.NotNil(t, got.DeletedAt)
	}
}

func TestConcurrentMoveToBinAndPermanentDelete(t *testing.T) {
	svc := newTestService(t)

	for i := 0; i < 20; i++ {
		file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")

		var wg sync.WaitGroup
		var binErr, delErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, binErr = svc.MoveToBin(file.ID)
		}()
		go func() {
			defer wg.Done()
			delErr = svc.PermanentDelete(file.ID)
		}()
		wg.Wait()

		// Delete is legal from active and binned, so it wins either way.
		assert.NoError(t, delErr)
		// move_to_bin either ran first or found the record already gone.
		if binErr != nil {
			assert.ErrorIs(t, binErr, files.ErrNotFound)
		}

		// Never a torn state: the record is gone everywhere.
		_, err := svc.Get(file.ID)
		assert.ErrorIs(t, err, files.ErrNotFound)

		list, err := svc.List("alice", "")
		require.NoError(t, err)
		assert.Empty(t, list)

		bin, err := svc.ListBin("alice")
		require.NoError(t, err)
		assert.Empty(t, bin)
	}
}

func TestConcurrentShareAndPermanentDelete(t *testing.T) {
	svc := newTestService(t)

	for i := 0; i < 20; i++ {
		file := upload(t, svc, "notes.txt", "text/plain", "alice", "content")

		var wg sync.WaitGroup
		var shareErr, delErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			shareErr = svc.Share(file.ID, []string{"bob"})
		}()
		go func() {
			defer wg.Done()
			delErr = svc.PermanentDelete(file.ID)
		}()
		wg.Wait()

		assert.NoError(t, delErr)
		// Share either landed before the delete (and its grant was
		// revoked with the file) or lost the race and saw nothing.
		if shareErr != nil {
			assert.ErrorIs(t, shareErr, files.ErrNotFound)
		}

		shared, err := svc.ListSharedWith("bob")
		require.NoError(t, err)
		assert.Empty(t, shared)
	}
}

func TestListIsOwnerScoped(t *testing.T) {
	svc := newTestService(t)

	upload(t, svc, "a.txt", "text/plain", "alice", "a")
	upload(t, svc, "b.txt", "text/plain", "bob", "b")

	list, err := svc.List("alice", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Owner)
}
