package proc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenRedirects(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(in, []byte("input"), 0600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.txt")

	stdin, stdout, stderr, closefn, err := OpenRedirects([3]string{in, out, ""})
	if err != nil {
		t.Fatal(err)
	}
	if stdin == nil || stdout == nil {
		t.Fatalf("redirected streams not opened: %v %v", stdin, stdout)
	}
	if stderr != nil {
		t.Errorf("stderr opened without a path")
	}
	if _, err := stdout.WriteString("output"); err != nil {
		t.Fatal(err)
	}
	closefn()
	buf, err := os.ReadFile(out)
	if err != nil || string(buf) != "output" {
		t.Errorf("expected %q in stdout file; but was %q (%v)", "output", buf, err)
	}

	if _, _, _, _, err := OpenRedirects([3]string{filepath.Join(dir, "missing")}); err == nil {
		t.Errorf("missing stdin file accepted")
	}
	if _, _, _, _, err := OpenRedirects([3]string{"", filepath.Join(dir, "no", "such", "dir")}); err == nil {
		t.Errorf("uncreatable stdout accepted")
	}
}
