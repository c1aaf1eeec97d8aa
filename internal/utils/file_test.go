package utils

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestGenerateOutputFilename(t *testing.T) {
	tests := []struct {
		input, dir, prefix, suffix, format string
		expected                           string
	}{
		{"bench.png", "out", "", "_overlay", "webp", filepath.Join("out", "bench_overlay.webp")},
		{"/tmp/bench.jpeg", "out", "dbg_", "", "", filepath.Join("out", "dbg_bench.jpeg")},
		{"noext", "out", "", "", "", filepath.Join("out", "noext.jpg")},
		{"https://example.com/img", "out", "", "_x", "png", filepath.Join("out", "capture_x.png")},
	}

	for _, test := range tests {
		got := GenerateOutputFilename(test.input, test.dir, test.prefix, test.suffix, test.format)
		if got != test.expected {
			t.Errorf("GenerateOutputFilename(%q) = %q, expected %q", test.input, got, test.expected)
		}
	}
}

func TestListDocumentFiles(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "boards"), 0755)
	for _, name := range []string{"boards/esp32.md", "arduino.txt", "photo.jpg", "notes.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := ListDocumentFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("Expected 2 documents, got %v", files)
	}
}

func TestWords(t *testing.T) {
	got := Words("Raspberry_Pi-4 Model B")
	expected := []string{"raspberry", "pi", "4", "model", "b"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename(" a/b:c?. "); got != "a_b_c_" {
		t.Errorf("Unexpected sanitized name %q", got)
	}
}

func TestFormatFileSize(t *testing.T) {
	if got := FormatFileSize(512); got != "512 B" {
		t.Errorf("Expected 512 B, got %s", got)
	}
	if got := FormatFileSize(1536); got != "1.5 KB" {
		t.Errorf("Expected 1.5 KB, got %s", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	os.WriteFile(file, nil, 0644)

	if !FileExists(file) || FileExists(dir) {
		t.Error("FileExists mismatch")
	}
	if !DirExists(dir) || DirExists(file) {
		t.Error("DirExists mismatch")
	}
}
