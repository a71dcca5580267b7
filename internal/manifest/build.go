package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sdkMarker is the content signature used to recognize the transparent
// client SDK inside a bundle.
const sdkMarker = "dshield-transparent-sdk"

// GenerateOptions parameterizes manifest generation over a build directory.
type GenerateOptions struct {
	Dir           string
	Include       []string // glob patterns relative to Dir; empty means "all"
	Exclude       []string // glob patterns relative to Dir
	Name          string
	ClientType    string
	Version       string
	AllowedEgress []string
	Source        string
	CI            string
	VCSRef        string
	APISurface    []byte
}

// Generate walks opts.Dir and assembles a Manifest in five steps: scan the
// bundle, detect the SDK marker, hash the bundle, collect build metadata,
// and assign identifiers.
func Generate(opts GenerateOptions) (Manifest, error) {
	if opts.Dir == "" {
		return Manifest{}, fmt.Errorf("manifest: Dir is required")
	}

	var files []FileEntry
	err := filepath.WalkDir(opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(opts.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(rel, opts.Include, true) || matchesAny(rel, opts.Exclude, false) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("manifest: read %s: %w", rel, err)
		}
		sum := sha256.Sum256(content)
		files = append(files, FileEntry{
			Path:     rel,
			Hash:     hex.EncodeToString(sum[:]),
			Size:     int64(len(content)),
			MimeType: mime.TypeByExtension(filepath.Ext(rel)),
		})
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	bundleHash := computeBundleHash(files)

	m := Manifest{
		ManifestID:    uuid.New().String(),
		Name:          opts.Name,
		ClientType:    opts.ClientType,
		Version:       opts.Version,
		Files:         files,
		BundleHash:    bundleHash,
		Build:         BuildMetadata{Timestamp: time.Now().UTC(), VCSRef: opts.VCSRef, CI: opts.CI},
		Source:        opts.Source,
		AllowedEgress: opts.AllowedEgress,
	}
	if len(opts.APISurface) > 0 {
		m.APISurface = append([]byte(nil), opts.APISurface...)
	}

	if sdk, err := detectSDK(opts.Dir, files); err == nil && sdk != nil {
		m.SDKVerification = sdk
	}

	return m, nil
}

// computeBundleHash hashes a bundle as SHA-256 over the sorted "path:hash"
// lines joined by "\n".
func computeBundleHash(files []FileEntry) string {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	lines := make([]string, len(sorted))
	for i, f := range sorted {
		lines[i] = f.Path + ":" + f.Hash
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func matchesAny(rel string, patterns []string, defaultWhenEmpty bool) bool {
	if len(patterns) == 0 {
		return defaultWhenEmpty
	}
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func detectSDK(dir string, files []FileEntry) (*SDKVerification, error) {
	for _, f := range files {
		full := filepath.Join(dir, filepath.FromSlash(f.Path))
		fh, err := os.Open(full)
		if err != nil {
			continue
		}
		found, readErr := containsMarker(fh, sdkMarker)
		_ = fh.Close()
		if readErr != nil {
			continue
		}
		if found {
			return &SDKVerification{
				SDKID:      "dshield-sdk",
				SDKVersion: "unknown",
				SDKHash:    f.Hash,
				SDKPath:    f.Path,
			}, nil
		}
	}
	return nil, nil
}

func containsMarker(r io.Reader, marker string) (bool, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return false, err
	}
	return bytes.Contains(buf.Bytes(), []byte(marker)), nil
}
