package disk

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	nethttp "net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/meigma/assetcache/store"
)

// tempPrefix names in-progress writes. Scans never count or remove them.
const tempPrefix = "entry-"

// maxRecordLine bounds the metadata line read while pruning.
const maxRecordLine = 64 << 10

// stored is one committed entry file.
type stored struct {
	path    string
	size    int64
	modTime time.Time
	expires time.Time
}

// scan lists committed entries under the store directory and their total
// size. With withExpiry set, each entry's Expires header is read from its
// record line; unreadable records report the epoch.
func (s *Store) scan(root *os.Root, withExpiry bool) ([]stored, int64, error) {
	var entries []stored
	var total int64
	err := fs.WalkDir(root.FS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		e := stored{path: path, size: info.Size(), modTime: info.ModTime()}
		if withExpiry {
			e.expires = readExpires(root, path)
		}
		total += e.size
		entries = append(entries, e)
		return nil
	})
	return entries, total, err
}

func readExpires(root *os.Root, path string) time.Time {
	f, err := root.Open(path)
	if err != nil {
		return time.Unix(0, 0)
	}
	defer f.Close()

	line, err := bufio.NewReaderSize(f, maxRecordLine).ReadSlice('\n')
	if err != nil {
		return time.Unix(0, 0)
	}
	var meta struct {
		Header nethttp.Header `json:"header"`
	}
	if err := json.Unmarshal(line, &meta); err != nil {
		return time.Unix(0, 0)
	}
	return (&store.Entry{Header: meta.Header}).Expires()
}

// Prune removes entries until the store is at or below targetBytes and
// returns the number of bytes freed. Expired entries go first, soonest
// expiry first; fresh entries follow, least recently written first.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	targetBytes = max(targetBytes, 0)
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return 0, err
	}
	defer root.Close()

	entries, total, err := s.scan(root, true)
	if err != nil {
		return 0, err
	}
	var freed int64
	defer func() { s.bytes.Store(total) }()
	if total <= targetBytes {
		return 0, nil
	}

	now := s.now()
	slices.SortFunc(entries, func(a, b stored) int {
		aExpired, bExpired := now.After(a.expires), now.After(b.expires)
		switch {
		case aExpired && !bExpired:
			return -1
		case bExpired && !aExpired:
			return 1
		case aExpired:
			if c := a.expires.Compare(b.expires); c != 0 {
				return c
			}
		}
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})

	for _, e := range entries {
		if total <= targetBytes {
			break
		}
		if err := root.Remove(e.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return freed, err
		}
		total -= e.size
		freed += e.size
	}
	return freed, nil
}

// reserve makes room for need more bytes under the size limit, pruning if
// necessary. It reports false when the write cannot fit.
func (s *Store) reserve(need int64) (bool, error) {
	switch {
	case s.maxBytes <= 0 || need <= 0:
		return true, nil
	case need > s.maxBytes:
		return false, nil
	case s.SizeBytes()+need <= s.maxBytes:
		return true, nil
	}
	if _, err := s.Prune(s.maxBytes - need); err != nil {
		return false, err
	}
	return s.SizeBytes()+need <= s.maxBytes, nil
}
