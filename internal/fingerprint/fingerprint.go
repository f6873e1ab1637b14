package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// fastPrefix marks content hashes derived from file metadata instead of
// file bytes. A fast hash changes whenever size or mtime changes, so two
// fast hashes agree only when the file looks untouched.
const fastPrefix = "fast-"

// FileFingerprint identifies a file by size and modification time. It is
// cheap to compute during scans and good enough to detect edits between
// them; exact content identity uses ContentHash instead.
type FileFingerprint struct {
	Size    int64
	MTimeNS int64
}

// FromFileInfo builds a fingerprint from stat results.
func FromFileInfo(info fs.FileInfo) FileFingerprint {
	return FileFingerprint{
		Size:    info.Size(),
		MTimeNS: info.ModTime().UnixNano(),
	}
}

// Hash renders the fingerprint as a fast content hash.
func (f FileFingerprint) Hash() string {
	return fastPrefix + strconv.FormatInt(f.Size, 16) + "-" + strconv.FormatInt(f.MTimeNS, 16)
}

// IsFast reports whether a content hash was derived from file metadata.
func IsFast(hash string) bool {
	return strings.HasPrefix(hash, fastPrefix)
}

// ContentHash reads the file and returns a byte-exact content hash.
func ContentHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}
	return "sha256-" + hex.EncodeToString(digest.Sum(nil)), nil
}

// ContentKey pins analysis artifacts to exact audio content at a specific
// analysis version. Cache tables key on it.
type ContentKey struct {
	Hash            string
	AnalysisVersion string
}

func (k ContentKey) String() string {
	return k.Hash + "@" + k.AnalysisVersion
}

const sampleIDSep = "::"

// SampleID joins a source ID and a root-relative path into the canonical
// sample identifier. Paths always use forward slashes.
func SampleID(sourceID, relPath string) string {
	return sourceID + sampleIDSep + strings.ReplaceAll(relPath, "\\", "/")
}

// SplitSampleID breaks a sample identifier into its source ID and
// root-relative path.
func SplitSampleID(id string) (sourceID, relPath string, ok bool) {
	idx := strings.Index(id, sampleIDSep)
	if idx <= 0 {
		return "", "", false
	}
	return id[:idx], id[idx+len(sampleIDSep):], true
}
