package downloader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flixkeeper/internal/downloader"
)

func TestSessionStoreResumeFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := downloader.NewSessionStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveResume("bbb", []byte("two")))
	require.NoError(t, s.SaveResume("aaa", []byte("one")))
	require.NoError(t, s.SaveResume("aaa", []byte("one-updated")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resume", "empty.fastresume"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resume", "notes.txt"), []byte("x"), 0o644))

	files, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, downloader.ResumeFile{ID: "aaa", Data: []byte("one-updated")}, files[0])
	assert.Equal(t, "bbb", files[1].ID)

	require.NoError(t, s.DeleteResume("aaa"))
	require.NoError(t, s.DeleteResume("aaa"))
	assert.NoFileExists(t, s.ResumePath("aaa"))

	assert.Error(t, s.SaveResume("../evil", []byte("x")))
	assert.Error(t, s.SaveResume("ccc", nil))
}

func TestSessionStoreDHT(t *testing.T) {
	s, err := downloader.NewSessionStore(t.TempDir(), nil)
	require.NoError(t, err)

	blob, err := s.LoadDHT()
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SaveDHT(nil))
	require.NoError(t, s.SaveDHT([]byte{1, 2, 3}))
	blob, err = s.LoadDHT()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, blob)
}

func TestAlertQueueKeepsOrderWithoutBlocking(t *testing.T) {
	q := downloader.NewAlertQueue()
	defer q.Close()

	for i := 0; i < 1000; i++ {
		q.Push(downloader.Alert{Kind: downloader.AlertResumeData, ID: string(rune('a' + i%26)), Message: "m"})
	}
	for i := 0; i < 1000; i++ {
		a := <-q.C()
		require.Equal(t, string(rune('a'+i%26)), a.ID)
	}
}
