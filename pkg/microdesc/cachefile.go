package microdesc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/edsrzf/mmap-go"
)

// cacheFileName is cached-microdescs: the mmappable flat file
// holding every microdescriptor that survived the last rebuild.
const cacheFileName = "cached-microdescs"

// rebuildJournalThreshold is the minimum journal size, in bytes, before a
// rebuild is even considered.
const rebuildJournalThreshold = 16 * 1024

// cacheFile wraps the mmapped cached-microdescs file. mm is nil while the
// file is empty, since mmap.Map requires a non-zero length region.
type cacheFile struct {
	path    string
	f       *os.File
	mm      mmap.MMap
	size    int64
	dropped int64
}

func openCacheFile(dir string) (*cacheFile, []*Microdescriptor, error) {
	path := filepath.Join(dir, cacheFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("microdesc: opening cache file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("microdesc: statting cache file %s: %w", path, err)
	}
	cf := &cacheFile{path: path, f: f, size: info.Size()}
	if info.Size() == 0 {
		return cf, nil, nil
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("microdesc: mmapping cache file %s: %w", path, err)
	}
	cf.mm = mm
	entries, err := parseCacheEntries([]byte(mm))
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, nil, err
	}
	return cf, entries, nil
}

// parseCacheEntries reads the sequence of @last-listed/@digest256/
// @body-length framed entries out of a cache file's mmapped bytes, sharing
// Body slices with the mmap itself rather than copying.
func parseCacheEntries(data []byte) ([]*Microdescriptor, error) {
	var out []*Microdescriptor
	pos := 0
	for pos < len(data) {
		rest := data[pos:]
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		line := string(rest[:nl])
		pos += nl + 1
		const listedPrefix = "@last-listed "
		if len(line) <= len(listedPrefix) || line[:len(listedPrefix)] != listedPrefix {
			return nil, fmt.Errorf("microdesc: malformed cache entry, want @last-listed, got %q", line)
		}
		listed, err := time.Parse(lastListedLayout, line[len(listedPrefix):])
		if err != nil {
			return nil, fmt.Errorf("microdesc: parsing last-listed timestamp: %w", err)
		}

		rest = data[pos:]
		nl = bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, fmt.Errorf("microdesc: truncated cache entry after @last-listed")
		}
		digestLine := string(rest[:nl])
		pos += nl + 1
		const digestPrefix = "@digest256 "
		if len(digestLine) <= len(digestPrefix) || digestLine[:len(digestPrefix)] != digestPrefix {
			return nil, fmt.Errorf("microdesc: malformed cache entry, want @digest256, got %q", digestLine)
		}
		raw, err := hex.DecodeString(digestLine[len(digestPrefix):])
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("microdesc: malformed digest in cache file: %q", digestLine)
		}
		var digest [32]byte
		copy(digest[:], raw)

		rest = data[pos:]
		nl = bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, fmt.Errorf("microdesc: truncated cache entry after @digest256")
		}
		lengthLine := string(rest[:nl])
		pos += nl + 1
		const lengthPrefix = "@body-length "
		if len(lengthLine) <= len(lengthPrefix) || lengthLine[:len(lengthPrefix)] != lengthPrefix {
			return nil, fmt.Errorf("microdesc: malformed cache entry, want @body-length, got %q", lengthLine)
		}
		n, err := strconv.Atoi(lengthLine[len(lengthPrefix):])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("microdesc: malformed body-length in cache file: %q", lengthLine)
		}
		if pos+n+1 > len(data) {
			return nil, fmt.Errorf("microdesc: cache entry body truncated")
		}
		body := data[pos : pos+n]
		pos += n + 1 // skip body and its trailing newline

		out = append(out, &Microdescriptor{
			Digest256:  digest,
			Body:       body,
			LastListed: listed,
			HeldInMap:  true,
		})
	}
	return out, nil
}

func (cf *cacheFile) noteDropped(bodyLen int) {
	cf.dropped += int64(bodyLen)
}

func (cf *cacheFile) close() error {
	if cf == nil {
		return nil
	}
	var err error
	if cf.mm != nil {
		err = cf.mm.Unmap()
	}
	if cerr := cf.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// needsRebuildLocked reports whether the journal has grown enough, relative
// to the journal threshold and to the cache file's own size, to justify
// folding it into a fresh cache file.
func (c *Cache) needsRebuildLocked() bool {
	jSize := c.jrnl.size
	if jSize < rebuildJournalThreshold {
		return false
	}
	total := c.file.size
	if total == 0 {
		return true
	}
	if jSize > total/2 {
		return true
	}
	if c.file.dropped > total/3 {
		return true
	}
	return false
}

// rebuildLocked writes every surviving entry to a fresh cache file, remaps
// it, and clears the journal. The new file is built and mapped completely
// before the old one is torn down, so a failure at any point up to the
// swap leaves the existing in-memory state untouched; only entries this
// rebuild cannot account for afterward have their bodies wiped, rather
// than left pointing at a region that may since have been unmapped.
func (c *Cache) rebuildLocked() error {
	var buf bytes.Buffer
	for _, d := range c.entries {
		fmt.Fprintf(&buf, "@last-listed %s\n", d.LastListed.UTC().Format(lastListedLayout))
		fmt.Fprintf(&buf, "@digest256 %x\n", d.Digest256[:])
		fmt.Fprintf(&buf, "@body-length %d\n", len(d.Body))
		buf.Write(d.Body)
		buf.WriteByte('\n')
	}

	tmpPath := c.file.path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("microdesc: writing rebuilt cache file: %w", err)
	}
	if err := os.Rename(tmpPath, c.file.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("microdesc: installing rebuilt cache file: %w", err)
	}

	newF, err := os.OpenFile(c.file.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("microdesc: reopening rebuilt cache file: %w", err)
	}
	var newMM mmap.MMap
	var newEntries []*Microdescriptor
	if buf.Len() > 0 {
		newMM, err = mmap.Map(newF, mmap.RDWR, 0)
		if err != nil {
			newF.Close()
			return fmt.Errorf("microdesc: mmapping rebuilt cache file: %w", err)
		}
		newEntries, err = parseCacheEntries([]byte(newMM))
		if err != nil {
			newMM.Unmap()
			newF.Close()
			return fmt.Errorf("microdesc: parsing rebuilt cache file: %w", err)
		}
	}

	byDigest := make(map[[32]byte][]byte, len(newEntries))
	for _, e := range newEntries {
		byDigest[e.Digest256] = e.Body
	}

	if c.file.mm != nil {
		c.file.mm.Unmap()
	}
	c.file.f.Close()
	c.file.f = newF
	c.file.mm = newMM
	c.file.size = int64(buf.Len())
	c.file.dropped = 0

	for digest, entry := range c.entries {
		body, ok := byDigest[digest]
		if !ok {
			entry.Body = nil
			entry.HeldInMap = false
			continue
		}
		entry.Body = body
	}

	return c.jrnl.clear()
}
