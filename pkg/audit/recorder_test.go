package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/latticeforge/evgen/pkg/config"
)

func TestRecorder_Path(t *testing.T) {
	r := NewRecorder("out")
	if got := r.Path(12); got != filepath.Join("out", "usedParameters12.dat") {
		t.Errorf("unexpected path %s", got)
	}
}

func TestRecorder_RecordSeedAppends(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)

	if err := r.RecordSeed(4, 1, 1005); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := r.RecordSeed(4, 1, 1005); err != nil {
		t.Fatalf("second record failed: %v", err)
	}

	data, err := os.ReadFile(r.Path(4))
	if err != nil {
		t.Fatalf("failed to read audit file: %v", err)
	}
	want := "Random seed used on worker 1: 1005\nRandom seed used on worker 1: 1005\n"
	if string(data) != want {
		t.Errorf("unexpected content %q", data)
	}
}

func TestRecorder_RecordParameters(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	cfg := config.Default()
	cfg.Source = "input"
	cfg.Parameters = map[string]string{"g2mu": "0.1"}

	if err := r.RecordParameters(0, cfg); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := r.RecordSeed(0, 0, 5); err != nil {
		t.Fatalf("record seed failed: %v", err)
	}

	data, err := os.ReadFile(r.Path(0))
	if err != nil {
		t.Fatalf("failed to read audit file: %v", err)
	}
	content := string(data)

	for _, want := range []string{
		"File created on Fri Mar  1 12:00:00 2024",
		"Read from input",
		"Nc 3\n",
		"size 128\n",
		"g2mu 0.1\n",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("expected %q in audit file:\n%s", want, content)
		}
	}
	if !strings.HasSuffix(content, "Random seed used on worker 0: 5\n") {
		t.Errorf("seed line should follow the parameter block:\n%s", content)
	}
}

func TestRecorder_UnwritableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	r := NewRecorder(filepath.Join(blocker, "sub"))
	if err := r.RecordSeed(0, 0, 1); err == nil {
		t.Error("expected error when audit directory cannot be created")
	}
}
