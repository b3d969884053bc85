package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalFileName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "notes.txt", "notes.txt"},
		{"unix path", "/tmp/uploads/notes.txt", "notes.txt"},
		{"windows path", `C:\Users\kim\Desktop\notes.txt`, "notes.txt"},
		{"mixed separators", `uploads\2024/notes.txt`, "notes.txt"},
		{"surrounding space", "  notes.txt  ", "notes.txt"},
		{"trailing slash", "uploads/", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalFileName(tt.in))
		})
	}
}

func TestLayoutPaths(t *testing.T) {
	l := layout{root: "storage"}

	assert.Equal(t,
		filepath.Join("storage", "u1", "d1_report.pdf"),
		l.documentPath("u1", "d1", "report.pdf"))
	assert.Equal(t,
		filepath.Join("storage", "u1", "versions", "d1", "v3_report.pdf"),
		l.versionPath("u1", "d1", 3, "report.pdf"))
}
