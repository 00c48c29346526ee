package storage

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const maxEntryBytes int64 = 8 * 1024 * 1024

type archiveEntry struct {
	Name string
	Data []byte
}

// textLikeExtensions are the archive entries worth ingesting; everything
// else is skipped silently.
var textLikeExtensions = map[string]struct{}{
	".txt":      {},
	".text":     {},
	".md":       {},
	".markdown": {},
	".rst":      {},
	".html":     {},
	".htm":      {},
	".csv":      {},
	".json":     {},
	".xml":      {},
	".yaml":     {},
	".yml":      {},
}

func isTextLike(name string) bool {
	_, ok := textLikeExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// sanitizeArchiveEntry normalizes an entry path and rejects traversal
// attempts. Empty return means skip the entry.
func sanitizeArchiveEntry(name string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." || cleaned == "/" {
		return "", nil
	}
	if strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("storage: archive entry escapes target dir: %s", name)
	}
	for _, segment := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(segment, ".") || segment == "__MACOSX" {
			return "", nil
		}
	}
	return cleaned, nil
}

// expandZip returns the text-like files contained in a zip archive.
func expandZip(data []byte) ([]archiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("storage: parse zip archive: %w", err)
	}

	var entries []archiveEntry
	for _, file := range reader.File {
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || file.FileInfo().IsDir() || !isTextLike(sanitized) {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("storage: open zip entry %s: %w", sanitized, err)
		}
		content, err := readEntry(rc, sanitized)
		rc.Close()
		if err != nil {
			return nil, err
		}
		entries = append(entries, archiveEntry{Name: sanitized, Data: content})
	}

	if len(entries) == 0 {
		return nil, errors.New("storage: archive contains no ingestible files")
	}
	return entries, nil
}

// expandRar returns the text-like files contained in a rar archive.
func expandRar(data []byte) ([]archiveEntry, error) {
	reader, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("storage: parse rar archive: %w", err)
	}

	var entries []archiveEntry
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: read rar entry: %w", err)
		}

		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || header.IsDir || !isTextLike(sanitized) {
			if !header.IsDir {
				if _, err := io.Copy(io.Discard, reader); err != nil {
					return nil, fmt.Errorf("storage: discard rar entry: %w", err)
				}
			}
			continue
		}

		content, err := readEntry(io.NopCloser(reader), sanitized)
		if err != nil {
			return nil, err
		}
		entries = append(entries, archiveEntry{Name: sanitized, Data: content})
	}

	if len(entries) == 0 {
		return nil, errors.New("storage: archive contains no ingestible files")
	}
	return entries, nil
}

func readEntry(rc io.Reader, name string) ([]byte, error) {
	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read entry %s: %w", name, err)
	}
	if written > maxEntryBytes {
		return nil, fmt.Errorf("storage: entry %s exceeds %d bytes", name, maxEntryBytes)
	}
	return buffer.Bytes(), nil
}
