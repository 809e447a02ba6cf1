package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := NewLocalStore(dir)

	_, err := st.Put(context.Background(), "cvs/alice/cv.txt", []byte("hello"), "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := st.Get(context.Background(), "cvs/alice/cv.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want hello", data)
	}
}

func TestLocalStoreKeyTraversal(t *testing.T) {
	dir := t.TempDir()
	st := NewLocalStore(dir)

	if _, err := st.Put(context.Background(), "../../etc/escape.txt", []byte("x"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dir)), "etc", "escape.txt")); err == nil {
		t.Fatal("key escaped the base directory")
	}
}

func TestLocalStorePresignUnsupported(t *testing.T) {
	st := NewLocalStore(t.TempDir())
	_, _, err := st.PresignPut(context.Background(), "k", "text/plain", time.Minute)
	if !errors.Is(err, ErrPresignUnsupported) {
		t.Fatalf("err = %v, want ErrPresignUnsupported", err)
	}
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		name        string
		key         string
		contentType string
		wantErr     bool
	}{
		{"txt extension", "cv.txt", "", false},
		{"markdown extension", "cv.MD", "", false},
		{"text content type", "cv.data", "text/plain", false},
		{"pdf rejected", "cv.pdf", "application/pdf", true},
		{"unknown rejected", "cv.bin", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ExtractText(tc.key, tc.contentType, []byte("body"))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if out != "body" {
				t.Fatalf("got %q, want body", out)
			}
		})
	}
}
