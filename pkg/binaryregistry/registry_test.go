package binaryregistry

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func unreachableGitHubClient() *GitHubClient {
	return &GitHubClient{HTTPClient: &http.Client{Timeout: 20 * time.Millisecond}}
}

func TestInstallDownloadsExtractsAndRegisters(t *testing.T) {
	dir := t.TempDir()
	archive := buildTarGz(t, map[string]string{"llama-server": "#!/bin/sh\necho hi\n"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	reg := New(dir)
	entry, err := reg.Install(InstallOptions{
		Version:   "b1234",
		Variant:   "ubuntu-x64",
		SourceURL: srv.URL + "/llama-b1234-bin-ubuntu-x64.tar.gz",
		GitHub:    unreachableGitHubClient(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "b1234", entry.Version)
	assert.Contains(t, entry.Executables, "llama-server")

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entry.ID, list[0].ID)

	def, err := reg.Default()
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, entry.ID, def.ID)
}

func TestInstallRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	archive := buildTarGz(t, map[string]string{"llama-server": "content"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	reg := New(dir)
	_, err := reg.Install(InstallOptions{
		Version:      "b1",
		Variant:      "ubuntu-x64",
		SourceURL:    srv.URL + "/a.tar.gz",
		PinnedSHA256: "0000000000000000000000000000000000000000000000000000000000000",
		GitHub:       unreachableGitHubClient(),
	})
	assert.Error(t, err)
}

func TestInstallRejectsDownloadErrorStatus(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := New(dir)
	_, err := reg.Install(InstallOptions{
		Version:   "b1",
		Variant:   "ubuntu-x64",
		SourceURL: srv.URL + "/missing.tar.gz",
		GitHub:    unreachableGitHubClient(),
	})
	assert.Error(t, err)
}

func TestUninstallRemovesEntryAndPromotesNewDefault(t *testing.T) {
	dir := t.TempDir()
	archive := buildTarGz(t, map[string]string{"llama-server": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(archive) }))
	defer srv.Close()

	reg := New(dir)
	first, err := reg.Install(InstallOptions{Version: "b1", Variant: "ubuntu-x64", SourceURL: srv.URL, GitHub: unreachableGitHubClient()})
	require.NoError(t, err)
	second, err := reg.Install(InstallOptions{Version: "b2", Variant: "ubuntu-x64", SourceURL: srv.URL, GitHub: unreachableGitHubClient()})
	require.NoError(t, err)

	require.NoError(t, reg.Uninstall(first.ID))

	def, err := reg.Default()
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, second.ID, def.ID)

	_, err = os.Stat(filepath.Join(dir, first.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestUninstallUnknownIDErrors(t *testing.T) {
	reg := New(t.TempDir())
	err := reg.Uninstall("does-not-exist")
	assert.Error(t, err)
}

func TestSetDefaultRequiresExistingEntry(t *testing.T) {
	reg := New(t.TempDir())
	err := reg.SetDefault("nope")
	assert.Error(t, err)
}

func TestResolveByExplicitBinaryID(t *testing.T) {
	dir := t.TempDir()
	archive := buildTarGz(t, map[string]string{"llama-server": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(archive) }))
	defer srv.Close()

	reg := New(dir)
	entry, err := reg.Install(InstallOptions{Version: "b1", Variant: "ubuntu-x64", SourceURL: srv.URL, GitHub: unreachableGitHubClient()})
	require.NoError(t, err)

	got, err := reg.Resolve(&types.BinarySelector{BinaryID: entry.ID})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)
}

func TestResolveFallsBackToDefaultWhenSelectorEmpty(t *testing.T) {
	dir := t.TempDir()
	archive := buildTarGz(t, map[string]string{"llama-server": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(archive) }))
	defer srv.Close()

	reg := New(dir)
	entry, err := reg.Install(InstallOptions{Version: "b1", Variant: "ubuntu-x64", SourceURL: srv.URL, GitHub: unreachableGitHubClient()})
	require.NoError(t, err)

	got, err := reg.Resolve(nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)
}

func TestExtractZipRejectsOversizedDeclaredContents(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bomb.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// CreateRaw lets the header lie about its uncompressed size without
	// actually producing 11 GiB of data.
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "huge.bin",
		Method:             zip.Store,
		UncompressedSize64: 11 << 30,
		CompressedSize64:   4,
	})
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	err = extractZip(archivePath, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip bomb")
}

func TestExtractZipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "ok.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("llama-server.exe")
	require.NoError(t, err)
	_, err = w.Write([]byte("binary"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	out := filepath.Join(dir, "out")
	require.NoError(t, extractZip(archivePath, out))
	data, err := os.ReadFile(filepath.Join(out, "llama-server.exe"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))
}

func TestExtractTarGzRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.tar.gz")
	archive := buildTarGz(t, map[string]string{"../evil.sh": "#!/bin/sh\n"})
	require.NoError(t, os.WriteFile(archivePath, archive, 0o644))

	err := extractTarGz(archivePath, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction directory")
}

func TestExtractTarGzRejectsAbsoluteMemberPath(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "abs.tar.gz")
	archive := buildTarGz(t, map[string]string{"/etc/evil": "x"})
	require.NoError(t, os.WriteFile(archivePath, archive, 0o644))

	err := extractTarGz(archivePath, filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestExtractArchiveRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "mystery.xyz")
	require.NoError(t, os.WriteFile(archivePath, []byte("not an archive"), 0o644))

	err := extractArchive(archivePath, filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestParseVersionNumberStripsLetterPrefix(t *testing.T) {
	assert.Equal(t, 1234, parseVersionNumber("b1234"))
	assert.Equal(t, -1, parseVersionNumber("not-a-version"))
}

func TestSafeJoinSanitizesDotDotEscape(t *testing.T) {
	joined, err := safeJoin("/tmp/target", "../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(joined, filepath.Clean("/tmp/target")+string(os.PathSeparator)))
}

func TestSafeJoinStaysWithinTarget(t *testing.T) {
	joined, err := safeJoin("/tmp/target", "sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/target", "sub/file.txt"), joined)
}
