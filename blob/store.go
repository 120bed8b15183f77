// Package blob implements the content-addressed attachment store described
// in spec.md §4.3: files named by the hex SHA-1 of their content, written
// atomically via a temp file + rename so that concurrent writers of the same
// bytes resolve by "first writer wins" (spec.md §5).
package blob

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Key is the SHA-1 digest of a blob's raw content (spec.md §3 "BlobKey").
type Key [sha1.Size]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// ErrNotFound is returned by Open when no blob exists for the given key.
var ErrNotFound = errors.New("blob: not found")

// Store owns a directory of "<hex sha1>.blob" files and a sibling temp
// directory used to stage writes before the atomic rename.
type Store struct {
	dir    string
	tmpDir string
}

// Open (in the "open an existing store dir" sense) ensures dir and its temp
// subdirectory exist and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "blob: creating store dir")
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, errors.Wrap(err, "blob: creating temp dir")
	}
	return &Store{dir: dir, tmpDir: tmp}, nil
}

// PathFor is pure: the same key always maps to the same path, and therefore
// (since the key is content-derived) the same bytes always map to the same
// path — this is what makes storage automatically deduplicating.
func (s *Store) PathFor(key Key) string {
	return filepath.Join(s.dir, key.String()+".blob")
}

// StoreBlob writes data atomically (temp file + rename) and returns its key
// and length. If a blob with the same key already exists, the existing file
// is left untouched and its key/length are returned as-is (same content,
// same path).
func (s *Store) StoreBlob(data []byte) (Key, int, error) {
	w, err := s.NewWriter()
	if err != nil {
		return Key{}, 0, err
	}
	if _, err := w.Append(data); err != nil {
		w.Cancel()
		return Key{}, 0, err
	}
	if err := w.Finish(); err != nil {
		w.Cancel()
		return Key{}, 0, err
	}
	if err := w.Install(); err != nil {
		return Key{}, 0, err
	}
	return w.Key(), w.Length(), nil
}

// OpenBlob returns a reader for the blob named by key, or ErrNotFound.
func (s *Store) OpenBlob(key Key) (io.ReadCloser, error) {
	f, err := os.Open(s.PathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// ReadBlob is a convenience wrapper reading the whole blob into memory, used
// by tests and by the Puller when assembling small attachments.
func (s *Store) ReadBlob(key Key) ([]byte, error) {
	r, err := s.OpenBlob(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Writer is a streaming builder for a single blob: Append incrementally
// updates SHA-1 (the key) and MD5 (the CouchDB-style attachment digest)
// digests, Finish closes the temp file, and Install renames it into place.
// On Cancel the temp file is unlinked.
type Writer struct {
	store    *Store
	tmp      *os.File
	tmpPath  string
	sha1     [sha1.Size]byte
	md5      [md5.Size]byte
	sha1Hash hash.Hash
	md5Hash  hash.Hash
	length   int
	finished bool
	key      Key
}

func (s *Store) NewWriter() (*Writer, error) {
	f, err := os.CreateTemp(s.tmpDir, "blob-*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, "blob: creating temp file")
	}
	return &Writer{
		store:    s,
		tmp:      f,
		tmpPath:  f.Name(),
		sha1Hash: sha1.New(),
		md5Hash:  md5.New(),
	}, nil
}

// Append writes data to the temp file and rolling digests.
func (w *Writer) Append(data []byte) (int, error) {
	if w.finished {
		return 0, fmt.Errorf("blob: Append after Finish")
	}
	n, err := w.tmp.Write(data)
	if err != nil {
		return n, errors.Wrap(err, "blob: writing temp file")
	}
	w.sha1Hash.Write(data[:n])
	w.md5Hash.Write(data[:n])
	w.length += n
	return n, nil
}

// Finish closes the temp file and fixes the blob's key/digest.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	if err := w.tmp.Close(); err != nil {
		return errors.Wrap(err, "blob: closing temp file")
	}
	copy(w.sha1[:], w.sha1Hash.Sum(nil))
	copy(w.md5[:], w.md5Hash.Sum(nil))
	w.key = Key(w.sha1)
	w.finished = true
	return nil
}

// Key returns the blob's SHA-1 key. Valid only after Finish.
func (w *Writer) Key() Key { return w.key }

// MD5Digest returns the raw MD5 sum, used to populate an AttachmentRef's
// CouchDB-compatible "digest" field ("md5-<base64>"). Valid only after
// Finish.
func (w *Writer) MD5Digest() [md5.Size]byte { return w.md5 }

// Length returns the number of bytes written. Valid after Finish (and stable
// before it, since Append tracks it incrementally).
func (w *Writer) Length() int { return w.length }

// Install renames the temp file into its final content-addressed path. If
// the target already exists (another writer won the race for identical
// content), the existing file is treated as canonical and the temp file is
// discarded — first writer wins, per spec.md §5.
func (w *Writer) Install() error {
	if !w.finished {
		if err := w.Finish(); err != nil {
			return err
		}
	}
	target := w.store.PathFor(w.key)
	if _, err := os.Stat(target); err == nil {
		// Another writer already installed this content; ours is redundant.
		os.Remove(w.tmpPath)
		return nil
	}
	if err := os.Rename(w.tmpPath, target); err != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			// Lost the rename race; same outcome as the pre-check above.
			os.Remove(w.tmpPath)
			return nil
		}
		return errors.Wrap(err, "blob: installing blob")
	}
	return nil
}

// Cancel discards the temp file without installing it.
func (w *Writer) Cancel() {
	w.tmp.Close()
	os.Remove(w.tmpPath)
}
