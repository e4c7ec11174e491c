package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/database"
	testingpkg "github.com/aristath/adpilot/internal/testing"
)

type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func untar(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = body
	}
	return files
}

func TestCreateAndUpload(t *testing.T) {
	core, cleanupCore := testingpkg.NewTestDB(t, "core")
	defer cleanupCore()
	ledger, cleanupLedger := testingpkg.NewTestDB(t, "ledger")
	defer cleanupLedger()

	store := newMemStore()
	svc := NewBackupService([]*database.DB{core, ledger}, store, t.TempDir(), "1.2.3", zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }

	name, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "adpilot-backup-2026-05-06-070809.tar.gz", name)
	require.Equal(t, []string{name}, store.keys())

	files := untar(t, store.objects[name])
	require.Contains(t, files, "core.db")
	require.Contains(t, files, "ledger.db")
	require.Contains(t, files, metadataFile)

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(files[metadataFile], &meta))
	assert.Equal(t, "1.2.3", meta.Version)
	require.Len(t, meta.Databases, 2)
	for _, db := range meta.Databases {
		sum := sha256.Sum256(files[db.Filename])
		assert.Equal(t, fmt.Sprintf("sha256:%x", sum), db.Checksum, db.Name)
		assert.Equal(t, int64(len(files[db.Filename])), db.SizeBytes)
	}
}

func seedBackups(store *memStore, now time.Time, ages ...time.Duration) {
	for _, age := range ages {
		key := archivePrefix + now.Add(-age).Format(archiveTimeFmt) + archiveSuffix
		store.objects[key] = []byte("x")
	}
	store.objects["unrelated.txt"] = []byte("y")
}

func TestListBackups_NewestFirst(t *testing.T) {
	now := time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	seedBackups(store, now, 48*time.Hour, time.Hour, 24*time.Hour)
	store.objects[archivePrefix+"garbage"+archiveSuffix] = nil

	svc := NewBackupService(nil, store, t.TempDir(), "", zerolog.Nop())
	svc.now = func() time.Time { return now }

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, int64(1), backups[0].AgeHours)
	assert.Equal(t, int64(24), backups[1].AgeHours)
	assert.Equal(t, int64(48), backups[2].AgeHours)
}

func TestRotateOldBackups(t *testing.T) {
	now := time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	t.Run("keeps the newest three regardless of age", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, now, 40*day, 50*day, 60*day)
		svc := NewBackupService(nil, store, t.TempDir(), "", zerolog.Nop())
		svc.now = func() time.Time { return now }

		n, err := svc.RotateOldBackups(context.Background(), 30*day)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("deletes beyond retention", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, now, day, 2*day, 3*day, 10*day, 40*day, 50*day)
		svc := NewBackupService(nil, store, t.TempDir(), "", zerolog.Nop())
		svc.now = func() time.Time { return now }

		n, err := svc.RotateOldBackups(context.Background(), 30*day)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		backups, err := svc.ListBackups(context.Background())
		require.NoError(t, err)
		assert.Len(t, backups, 4)
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		store := newMemStore()
		seedBackups(store, now, day, 2*day, 3*day, 400*day)
		svc := NewBackupService(nil, store, t.TempDir(), "", zerolog.Nop())
		svc.now = func() time.Time { return now }

		n, err := svc.RotateOldBackups(context.Background(), 0)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete failures are skipped", func(t *testing.T) {
		store := newMemStore()
		store.deleteErr = errors.New("denied")
		seedBackups(store, now, day, 2*day, 3*day, 400*day)
		svc := NewBackupService(nil, store, t.TempDir(), "", zerolog.Nop())
		svc.now = func() time.Time { return now }

		n, err := svc.RotateOldBackups(context.Background(), day)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
