package binaryregistry

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/store"
	"github.com/cuemby/hutch/pkg/types"
)

const schemaVersion = "1.0.0"

// maxExtractedBytes is the zip-bomb guard: reject extraction if the sum
// of declared member sizes exceeds this.
const maxExtractedBytes = 10 << 30 // 10 GiB

// defaultDownloadTimeout is the total timeout for a binary download.
const defaultDownloadTimeout = 5 * time.Minute

// ProgressFunc is invoked as bytes are downloaded, mirroring
// schollz/progressbar/v3's io.Writer-based callback shape.
type ProgressFunc func(downloaded, total int64)

// Registry is the UUID-keyed catalog of installed inference-server
// binaries. The registry file is mutated only via atomic replace
// (pkg/store.AtomicWrite); readers tolerate the file being momentarily
// absent by treating it as empty.
type Registry struct {
	mu   sync.Mutex
	path string // bins/registry.json
	dir  string // bins/
	http *http.Client
}

// New creates a Registry rooted at binsDir (containing registry.json and
// one subdirectory per installed UUID).
func New(binsDir string) *Registry {
	return &Registry{
		path: filepath.Join(binsDir, "registry.json"),
		dir:  binsDir,
		http: &http.Client{Timeout: defaultDownloadTimeout},
	}
}

// load reads the registry file, treating a missing file as empty.
func (r *Registry) load() (*types.BinaryRegistryFile, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &types.BinaryRegistryFile{SchemaVersion: schemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var f types.BinaryRegistryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return &f, nil
}

// save atomically replaces the registry file.
func (r *Registry) save(f *types.BinaryRegistryFile) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return store.AtomicWrite(r.path, data, 0o644)
}

// Dir returns the registry's root directory, the parent of every
// per-UUID install directory (entry.Path is relative to it).
func (r *Registry) Dir() string {
	return r.dir
}

// List returns every registered entry.
func (r *Registry) List() ([]types.BinaryRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	return f.Binaries, nil
}

// Default returns the current default entry, or nil if none.
func (r *Registry) Default() (*types.BinaryRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Binaries {
		if f.Binaries[i].ID == f.DefaultBinaryID {
			return &f.Binaries[i], nil
		}
	}
	return nil, nil
}

// Resolve picks (at most) one entry, in priority order:
// explicit binary_id, then "latest"+variant, then (version,variant), then
// the registry default.
func (r *Registry) Resolve(sel *types.BinarySelector) (*types.BinaryRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return nil, err
	}

	if sel != nil && sel.BinaryID != "" {
		for i := range f.Binaries {
			if f.Binaries[i].ID == sel.BinaryID {
				return &f.Binaries[i], nil
			}
		}
		// A missing by-id entry falls through to the remaining
		// priority rules rather than failing outright.
		log.WithComponent("registry").Warn().Str("binary_id", sel.BinaryID).Msg("selector names a binary that is not installed")
	}

	if sel != nil && sel.Version == "latest" {
		var latest *types.BinaryRegistryEntry
		for i := range f.Binaries {
			e := &f.Binaries[i]
			if e.Variant != sel.Variant {
				continue
			}
			if latest == nil || e.InstalledAt.After(latest.InstalledAt) {
				latest = e
			}
		}
		if latest != nil {
			return latest, nil
		}
	} else if sel != nil && sel.Version != "" {
		for i := range f.Binaries {
			e := &f.Binaries[i]
			if e.Version == sel.Version && e.Variant == sel.Variant {
				return e, nil
			}
		}
	}

	for i := range f.Binaries {
		if f.Binaries[i].ID == f.DefaultBinaryID {
			return &f.Binaries[i], nil
		}
	}
	return nil, nil
}

// InstallOptions parameterizes one install call.
type InstallOptions struct {
	Version      string // tag, or "latest"
	Variant      string
	SourceURL    string // override; built from (version, variant) if empty
	PinnedSHA256 string // if set, must match exactly
	Progress     ProgressFunc
	GitHub       *GitHubClient
}

// Install resolves "latest" if needed, downloads, verifies, extracts
// safely, and records a new registry entry.
func (r *Registry) Install(opts InstallOptions) (*types.BinaryRegistryEntry, error) {
	gh := opts.GitHub
	if gh == nil {
		gh = NewGitHubClient(30 * time.Second)
	}

	version := opts.Version
	var releaseInfo *types.GitHubReleaseInfo
	if version == "" || version == "latest" {
		resolved, err := gh.ResolveLatestVersion()
		if err != nil {
			return nil, err
		}
		version = resolved
	}
	if info, err := gh.ReleaseInfo(version); err == nil {
		releaseInfo = info
	}

	downloadURL := opts.SourceURL
	if downloadURL == "" {
		url, err := gh.AssetURL(version, opts.Variant)
		if err != nil {
			downloadURL = BuildDownloadURL(version, opts.Variant)
		} else {
			downloadURL = url
		}
	}

	id := uuid.New().String()
	targetDir := filepath.Join(r.dir, id)

	archivePath, sum, err := r.download(downloadURL, opts.Progress)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archivePath)

	if opts.PinnedSHA256 != "" && !strings.EqualFold(opts.PinnedSHA256, sum) {
		return nil, herrors.NewChecksumError(strings.ToLower(opts.PinnedSHA256), sum)
	}

	if err := extractArchive(archivePath, targetDir); err != nil {
		os.RemoveAll(targetDir)
		return nil, err
	}

	executables, err := scanExecutables(targetDir)
	if err != nil {
		os.RemoveAll(targetDir)
		return nil, err
	}

	size, err := dirSize(targetDir)
	if err != nil {
		os.RemoveAll(targetDir)
		return nil, err
	}

	entry := types.BinaryRegistryEntry{
		ID:          id,
		Version:     version,
		Variant:     opts.Variant,
		DownloadURL: downloadURL,
		SHA256:      sum,
		InstalledAt: time.Now().UTC(),
		Path:        id,
		SizeBytes:   size,
		Executables: executables,
		ReleaseInfo: releaseInfo,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		os.RemoveAll(targetDir)
		return nil, err
	}
	f.Binaries = append(f.Binaries, entry)
	if f.DefaultBinaryID == "" {
		f.DefaultBinaryID = entry.ID
	}
	if err := r.save(f); err != nil {
		os.RemoveAll(targetDir)
		return nil, err
	}

	// version.json is duplicated per-dir.
	versionJSON, _ := json.MarshalIndent(entry, "", "  ")
	_ = os.WriteFile(filepath.Join(targetDir, "version.json"), versionJSON, 0o644)

	return &entry, nil
}

// download fetches url into a temp file, returning its path and hex
// SHA-256 digest. 4xx/5xx raise a typed transport error.
func (r *Registry) download(url string, progress ProgressFunc) (path string, sha256hex string, err error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", "", herrors.Wrap(herrors.KindTransport, "download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", herrors.New(herrors.KindTransport, fmt.Sprintf("download failed: status %d for %s", resp.StatusCode, url))
	}

	tmp, err := os.CreateTemp("", "hutch-binary-download-*")
	if err != nil {
		return "", "", err
	}
	defer tmp.Close()

	hasher := sha256.New()
	var bar io.Writer = io.Discard
	if progress != nil {
		total := resp.ContentLength
		pb := progressbar.DefaultBytes(total, "downloading")
		bar = pb
		defer pb.Close()
	}

	written, err := io.Copy(io.MultiWriter(tmp, hasher, bar), resp.Body)
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", herrors.Wrap(herrors.KindTransport, "download interrupted", err)
	}
	if progress != nil {
		progress(written, resp.ContentLength)
	}

	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), nil
}

// extractArchive dispatches to zip or tar.gz extraction by filename
// extension; unknown extensions raise a download error.
func extractArchive(archivePath, targetDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip") || looksLikeZip(archivePath):
		return extractZip(archivePath, targetDir)
	default:
		if isGzip(archivePath) {
			return extractTarGz(archivePath, targetDir)
		}
		return herrors.New(herrors.KindTransport, "unrecognized archive type")
	}
}

func looksLikeZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic[0] == 'P' && magic[1] == 'K'
}

func isGzip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic[0] == 0x1f && magic[1] == 0x8b
}

// extractZip guards against zip bombs by summing declared uncompressed
// sizes before extracting anything.
func extractZip(archivePath, targetDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	var total uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
		if total > maxExtractedBytes {
			return herrors.New(herrors.KindTransport, "zip archive exceeds maximum extracted size (zip bomb guard)")
		}
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	for _, f := range zr.File {
		destPath, err := safeJoin(targetDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		if err := extractZipMember(f, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractZipMember(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// extractTarGz rejects any member path starting with "/" or containing
// "..".
func extractTarGz(archivePath, targetDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		if strings.HasPrefix(hdr.Name, "/") || strings.Contains(hdr.Name, "..") {
			return herrors.New(herrors.KindTransport, fmt.Sprintf("tar member %q escapes extraction directory", hdr.Name))
		}

		destPath, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)|0o200)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

// safeJoin joins targetDir and member, rejecting any result that escapes
// targetDir (defense in depth alongside the explicit ".."/leading-"/"
// checks above).
func safeJoin(targetDir, member string) (string, error) {
	cleaned := filepath.Clean("/" + member)[1:]
	full := filepath.Join(targetDir, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(targetDir)+string(os.PathSeparator)) && full != filepath.Clean(targetDir) {
		return "", herrors.New(herrors.KindTransport, fmt.Sprintf("archive member %q escapes extraction directory", member))
	}
	return full, nil
}

func scanExecutables(dir string) ([]string, error) {
	var names []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0o111 != 0 || isKnownExecutableName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return uniqueStrings(names), nil
}

func isKnownExecutableName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".exe") || strings.Contains(lower, "server") || strings.Contains(lower, "cli")
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Uninstall removes the registry entry and its extracted directory,
// promoting a new default if the removed entry was the default.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return err
	}

	idx := -1
	for i := range f.Binaries {
		if f.Binaries[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return herrors.New(herrors.KindResolution, fmt.Sprintf("binary %q not found", id))
	}

	wasDefault := f.DefaultBinaryID == id
	f.Binaries = append(f.Binaries[:idx], f.Binaries[idx+1:]...)
	if wasDefault {
		if len(f.Binaries) > 0 {
			f.DefaultBinaryID = f.Binaries[0].ID
		} else {
			f.DefaultBinaryID = ""
		}
	}

	if err := r.save(f); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(r.dir, id))
}

// SetDefault makes id the registry default; id must already exist.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return err
	}
	found := false
	for i := range f.Binaries {
		if f.Binaries[i].ID == id {
			found = true
			break
		}
	}
	if !found {
		return herrors.New(herrors.KindResolution, fmt.Sprintf("binary %q not found", id))
	}
	f.DefaultBinaryID = id
	return r.save(f)
}

// CheckUpdates parses version tags numerically (stripping a leading
// non-digit prefix) and returns the upstream latest if it's greater than
// every installed version matching variant.
func CheckUpdates(installed []types.BinaryRegistryEntry, variant string, gh *GitHubClient) (latest string, hasUpdate bool, err error) {
	if gh == nil {
		gh = NewGitHubClient(30 * time.Second)
	}
	upstream, err := gh.ResolveLatestVersion()
	if err != nil {
		return "", false, err
	}
	upstreamNum := parseVersionNumber(upstream)

	bestInstalled := -1
	for _, e := range installed {
		if e.Variant != variant {
			continue
		}
		if n := parseVersionNumber(e.Version); n > bestInstalled {
			bestInstalled = n
		}
	}

	return upstream, upstreamNum > bestInstalled, nil
}

// parseVersionNumber strips a leading letter prefix (e.g. "b1234" -> 1234)
// and parses the remainder as an integer; unparsable tags sort lowest.
func parseVersionNumber(tag string) int {
	i := 0
	for i < len(tag) && (tag[i] < '0' || tag[i] > '9') {
		i++
	}
	n, err := strconv.Atoi(tag[i:])
	if err != nil {
		return -1
	}
	return n
}
