package storage

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for name, content := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func TestExpandZipKeepsTextEntries(t *testing.T) {
	data := buildZip(t, map[string]string{
		"docs/guide.md":     "# Guide\n\nHello.",
		"docs/notes.txt":    "plain notes",
		"assets/logo.png":   "\x89PNG...",
		"build/output.bin":  "binary",
		".hidden/notes.txt": "skipped",
	})

	entries, err := expandZip(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]string{}
	for _, entry := range entries {
		byName[entry.Name] = string(entry.Data)
	}
	assert.Equal(t, "# Guide\n\nHello.", byName["docs/guide.md"])
	assert.Equal(t, "plain notes", byName["docs/notes.txt"])
}

func TestExpandZipRejectsTraversal(t *testing.T) {
	data := buildZip(t, map[string]string{
		"../escape.txt": "nope",
	})

	_, err := expandZip(data)
	assert.Error(t, err)
}

func TestExpandZipWithoutIngestibleFiles(t *testing.T) {
	data := buildZip(t, map[string]string{
		"logo.png": "binary",
	})

	_, err := expandZip(data)
	assert.Error(t, err)
}

func TestExpandZipGarbageInput(t *testing.T) {
	_, err := expandZip([]byte("not a zip archive"))
	assert.Error(t, err)
}

func TestSanitizeArchiveEntry(t *testing.T) {
	name, err := sanitizeArchiveEntry("docs\\sub\\file.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/sub/file.txt", name)

	name, err = sanitizeArchiveEntry("./")
	require.NoError(t, err)
	assert.Empty(t, name)

	name, err = sanitizeArchiveEntry("__MACOSX/file.txt")
	require.NoError(t, err)
	assert.Empty(t, name)

	_, err = sanitizeArchiveEntry("/etc/passwd")
	assert.Error(t, err)

	_, err = sanitizeArchiveEntry("../../secret.txt")
	assert.Error(t, err)
}

func TestIsTextLike(t *testing.T) {
	assert.True(t, isTextLike("readme.MD"))
	assert.True(t, isTextLike("data.json"))
	assert.True(t, isTextLike("page.html"))
	assert.False(t, isTextLike("archive.zip"))
	assert.False(t, isTextLike("binary"))
	assert.False(t, isTextLike("photo.jpg"))
}
