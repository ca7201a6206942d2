package safety

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := SafeJoinUnder(root, "a/b/c.txt")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	if _, err := SafeJoinUnder(root, "../escape.txt"); err == nil {
		t.Fatal("expected traversal path to fail")
	}
	if _, err := SafeJoinUnder(root, "/abs/path.txt"); err == nil {
		t.Fatal("expected absolute path to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	var limitErr *BodyLimitError
	if !errors.As(err, &limitErr) || limitErr.Limit != 2 {
		t.Fatalf("expected BodyLimitError with limit 2, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Photo (demo:1)", "Photo (demo:1)"},
		{"a/b\\c", "a_b_c"},
		{"  padded  ", "padded"},
		{"tab\there", "tab_here"},
		{"..", "_"},
		{".", "_"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArchivePath(t *testing.T) {
	got := ArchivePath("Root (demo:root)", "Sub/Collection (demo:2)", "OBJ.jpg")
	want := "Root (demo:root)/Sub_Collection (demo:2)/OBJ.jpg"
	if got != want {
		t.Fatalf("ArchivePath() = %q, want %q", got, want)
	}
	if _, err := CleanRelativePath(got); err != nil {
		t.Fatalf("archive path should be a clean relative path: %v", err)
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("https://repo.example.org/exports"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"ftp://host/x", "http://", "https://user:pw@host/"} {
		if _, err := ValidateHTTPURL(bad); err == nil {
			t.Errorf("ValidateHTTPURL(%q) expected error", bad)
		}
	}
}
