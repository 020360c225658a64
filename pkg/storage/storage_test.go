package storage

import (
	"os"
	"strings"
	"syscall"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStorage(t *testing.T) *Storage {
	t.Helper()
	return New(afero.NewMemMapFs())
}

func foreign(t *testing.T, st *Storage, name string) bool {
	t.Helper()
	ok, err := st.Foreign(name)
	require.NoError(t, err)
	return ok
}

// statFailFs fails every Stat below the given prefix with EACCES.
type statFailFs struct {
	afero.Fs
	prefix string
}

func (fs statFailFs) Stat(name string) (os.FileInfo, error) {
	if strings.HasPrefix(name, fs.prefix) {
		return nil, &os.PathError{Op: "stat", Path: name, Err: syscall.EACCES}
	}
	return fs.Fs.Stat(name)
}

func TestCreateSaveReadTeardown(t *testing.T) {
	st := newMemStorage(t)

	require.NoError(t, st.Create("alice"))
	assert.True(t, st.Exists("alice"))

	rel, err := st.Save("alice", "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "alice/notes.txt", rel)

	data, err := st.ReadFile("/alice/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, st.Teardown("alice"))
	assert.False(t, st.Exists("alice"))

	_, err = st.ReadFile("alice/notes.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTeardownIsIdempotent(t *testing.T) {
	st := newMemStorage(t)
	require.NoError(t, st.Create("bob"))
	_, err := st.Save("bob", "a.bin", []byte{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, st.Teardown("bob"))
	require.NoError(t, st.Teardown("bob"))
	assert.False(t, st.Exists("bob"))
}

func TestCreateReusesOwnArea(t *testing.T) {
	st := newMemStorage(t)
	require.NoError(t, st.Create("carol"))
	require.NoError(t, st.Create("carol"))
	assert.True(t, st.Exists("carol"))
	assert.False(t, foreign(t, st, "carol"))
}

func TestForeignPathsAreNeverAdoptedOrDeleted(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/pkg", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/pkg/keep.go", []byte("package keep"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/README", []byte("x"), 0o644))
	st := New(fs)

	assert.True(t, foreign(t, st, "pkg"))
	assert.True(t, foreign(t, st, "README"))
	assert.False(t, foreign(t, st, "newcomer"))
	assert.ErrorIs(t, st.Create("pkg"), ErrForeign)
	assert.ErrorIs(t, st.Create("README"), ErrForeign)

	require.NoError(t, st.Teardown("pkg"))
	data, err := afero.ReadFile(fs, "/pkg/keep.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("package keep"), data)
}

func TestAreaCanBeRecreatedAfterTeardown(t *testing.T) {
	st := newMemStorage(t)
	require.NoError(t, st.Create("gus"))
	require.NoError(t, st.Teardown("gus"))
	assert.False(t, foreign(t, st, "gus"))
	require.NoError(t, st.Create("gus"))
	assert.True(t, st.Exists("gus"))
}

func TestReadFileNotFound(t *testing.T) {
	st := newMemStorage(t)
	require.NoError(t, st.Create("dave"))

	tests := []string{"", "/", "dave", "dave/missing.txt", "nobody/x"}
	for _, p := range tests {
		t.Run(p, func(t *testing.T) {
			_, err := st.ReadFile(p)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestInvalidNames(t *testing.T) {
	st := newMemStorage(t)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.ErrorIs(t, st.Create(name), ErrInvalidName, "create %q", name)
	}

	require.NoError(t, st.Create("erin"))
	for _, name := range []string{"", ".", "..", "x/y"} {
		_, err := st.Save("erin", name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, "save %q", name)
	}
}

func TestClean(t *testing.T) {
	tests := map[string]string{
		"alice/a.txt":      "/alice/a.txt",
		"/alice/a.txt":     "/alice/a.txt",
		"../../etc/passwd": "/etc/passwd",
		`alice\sub\a.txt`:  "/alice/sub/a.txt",
		"alice/./../bob/b": "/bob/b",
		"":                 "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, Clean(in), "Clean(%q)", in)
	}
}

func TestOSStorageStaysInsideRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "cmd"), 0o755))

	st, err := NewOS(root)
	require.NoError(t, err)
	assert.Equal(t, root, st.Root())
	assert.ErrorIs(t, st.Create("cmd"), ErrForeign)
	require.NoError(t, st.Teardown("cmd"))
	_, err = os.Stat(filepath.Join(root, "cmd"))
	assert.NoError(t, err)

	require.NoError(t, st.Create("frank"))
	_, err = st.Save("frank", "f.txt", []byte("data"))
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(root, "frank", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), onDisk)

	_, err = st.ReadFile("../secret.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Teardown("frank"))
	_, err = os.Stat(filepath.Join(root, "frank"))
	assert.True(t, os.IsNotExist(err))
}

func TestForeignReportsStatErrors(t *testing.T) {
	st := New(statFailFs{Fs: afero.NewMemMapFs(), prefix: "/locked"})

	ok, err := st.Foreign("locked")
	assert.ErrorIs(t, err, syscall.EACCES)
	assert.False(t, ok)
	assert.Error(t, st.Create("locked"))
	assert.False(t, foreign(t, st, "open"))

	_, err = st.Foreign("a/b")
	assert.ErrorIs(t, err, ErrInvalidName)
}
