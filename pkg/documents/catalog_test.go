package documents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeDocs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDirCatalogLookup(t *testing.T) {
	dir := writeDocs(t, map[string]string{
		"boards/raspberry_pi_4_datasheet.md": "GPIO header pinout",
		"boards/raspberry-pi-pico.txt":       "RP2040",
		"arduino/uno-r3.txt":                 "ATmega328P",
		"photos/pi4.jpg":                     "binary",
	})

	c, err := NewDirCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}

	refs, err := c.Lookup(context.Background(), "Raspberry Pi 4")
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"boards/raspberry_pi_4_datasheet.md"}
	if !reflect.DeepEqual(refs, expected) {
		t.Errorf("Expected %v, got %v", expected, refs)
	}

	refs, _ = c.Lookup(context.Background(), "raspberry pi")
	if len(refs) != 2 {
		t.Errorf("Expected both raspberry pi documents, got %v", refs)
	}

	// Directory names count toward the match
	refs, _ = c.Lookup(context.Background(), "Arduino UNO")
	if len(refs) != 1 || refs[0] != "arduino/uno-r3.txt" {
		t.Errorf("Expected arduino/uno-r3.txt, got %v", refs)
	}

	if refs, _ := c.Lookup(context.Background(), "  "); refs != nil {
		t.Errorf("Expected no results for blank product, got %v", refs)
	}
}

func TestDirCatalogContent(t *testing.T) {
	c, _ := NewDirCatalog(writeDocs(t, map[string]string{"esp32.md": "Deep sleep draws 10uA"}))

	text, err := c.Content(context.Background(), "esp32.md")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Deep sleep draws 10uA" {
		t.Errorf("Unexpected content %q", text)
	}

	for _, ref := range []string{"../etc/passwd", "/etc/passwd"} {
		if _, err := c.Content(context.Background(), ref); err == nil {
			t.Errorf("Expected %q to be rejected", ref)
		}
	}
}

func TestDirCatalogFiles(t *testing.T) {
	c, _ := NewDirCatalog(writeDocs(t, map[string]string{"b.md": "", "a/c.txt": "", "img.png": ""}))
	files, err := c.Files()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(files, []string{"a/c.txt", "b.md"}) {
		t.Errorf("Unexpected files %v", files)
	}
}

func TestNewDirCatalogMissingDir(t *testing.T) {
	if _, err := NewDirCatalog(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestProductFromFilename(t *testing.T) {
	if got := ProductFromFilename("boards/Raspberry_Pi-4.md"); got != "raspberry pi 4" {
		t.Errorf("Unexpected product %q", got)
	}
}

type fakeQuery struct {
	prompt string
	text   string
	err    error
	calls  int
}

func (f *fakeQuery) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.calls++
	f.prompt = prompt
	return f.text, f.err
}

func (f *fakeQuery) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "", errors.New("not used")
}

func TestSearcherExcerpts(t *testing.T) {
	c, _ := NewDirCatalog(writeDocs(t, map[string]string{"boards/esp32.md": "GPIO0 selects boot mode"}))
	q := &fakeQuery{text: "  - GPIO0 must be high at boot  "}
	s := NewSearcher(c, q, "m", nil)

	text, err := s.Excerpts(context.Background(), []string{"boards/esp32.md", "missing.md"}, []string{"esp32", "button"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "- GPIO0 must be high at boot" {
		t.Errorf("Unexpected excerpt %q", text)
	}
	if !strings.Contains(q.prompt, "esp32, button") || !strings.Contains(q.prompt, "--- From esp32.md ---\nGPIO0 selects boot mode") {
		t.Errorf("Prompt missing terms or content:\n%s", q.prompt)
	}
}

func TestSearcherSkipsWithoutInput(t *testing.T) {
	c, _ := NewDirCatalog(t.TempDir())
	q := &fakeQuery{}
	s := NewSearcher(c, q, "m", nil)

	if text, err := s.Excerpts(context.Background(), nil, []string{"led"}); err != nil || text != "" {
		t.Errorf("Expected empty result, got %q %v", text, err)
	}
	if text, err := s.Excerpts(context.Background(), []string{"missing.md"}, []string{"led"}); err != nil || text != "" {
		t.Errorf("Expected empty result for unreadable docs, got %q %v", text, err)
	}
	if q.calls != 0 {
		t.Errorf("Expected no model calls, got %d", q.calls)
	}
}

func TestSearcherModelFailure(t *testing.T) {
	c, _ := NewDirCatalog(writeDocs(t, map[string]string{"a.md": "x"}))
	s := NewSearcher(c, &fakeQuery{err: errors.New("boom")}, "m", nil)

	if _, err := s.Excerpts(context.Background(), []string{"a.md"}, []string{"led"}); err == nil {
		t.Fatal("Expected error")
	}
}
