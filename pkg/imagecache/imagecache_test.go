package imagecache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}

func TestStoreAndRead(t *testing.T) {
	c, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	name, err := c.Store(pngHeader, "png")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasSuffix(name, ".png") {
		t.Fatalf("name = %q, want .png suffix", name)
	}
	data, contentType, err := c.Read(name)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != string(pngHeader) {
		t.Fatalf("bytes differ")
	}
	if contentType != "image/png" {
		t.Fatalf("content type = %q", contentType)
	}
}

func TestReadRejectsTraversal(t *testing.T) {
	c, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{"../secret", "a/b.png", "..", ".hidden", ""} {
		if _, _, err := c.Read(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Read(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestStoreSanitizesExtension(t *testing.T) {
	c, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	name, err := c.Store(pngHeader, "../../etc/passwd")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasSuffix(name, ".png") || strings.ContainsAny(name, "/\\") {
		t.Fatalf("unsafe extension survived: %q", name)
	}
}

func TestURLFor(t *testing.T) {
	withBase, err := New(t.TempDir(), "https://img.example.com/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := withBase.URLFor("x.png", "ignored:8089", false); got != "https://img.example.com/image/x.png" {
		t.Fatalf("URLFor with base = %q", got)
	}

	noBase, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := noBase.URLFor("x.png", "localhost:8089", false); got != "http://localhost:8089/image/x.png" {
		t.Fatalf("URLFor http = %q", got)
	}
	if got := noBase.URLFor("x.png", "bridge.example.com", true); got != "https://bridge.example.com/image/x.png" {
		t.Fatalf("URLFor https = %q", got)
	}
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oldName, err := c.Store(pngHeader, "png")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	newName, err := c.Store(pngHeader, "png")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, oldName), past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	c.Sweep(time.Hour)

	if _, _, err := c.Read(oldName); err == nil {
		t.Fatalf("expired image survived sweep")
	}
	if _, _, err := c.Read(newName); err != nil {
		t.Fatalf("fresh image removed by sweep: %v", err)
	}
}
