package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/store"
)

const runYAML = `model: synthetic-flux
prompt: a lighthouse at dusk
negative_prompt: blurry
guidance: [4, 3, 2, 1]
width: 32
height: 32
steps: 4
seed: 11
extensions:
  - name: lora
    kwargs:
      weight: 0.5
      deltas:
        proj.bias: 0.2
  - name: step_stats
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunFileCompletes(t *testing.T) {
	t.Setenv("UNIDENOISE_LOG_FILE", "")
	runPath := writeFile(t, "run.yaml", runYAML)
	outPath := filepath.Join(t.TempDir(), "latents.msgpack")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-o", outPath, runPath}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\nstderr: %s", err, stderr.String())
	}

	var rec model.Run
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout.String())
	}
	if rec.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.StepsCompleted != 4 {
		t.Errorf("steps_completed = %d, want 4", rec.StepsCompleted)
	}
	if strings.Join(rec.Extensions, ",") != "lora,step_stats" {
		t.Errorf("extensions = %v", rec.Extensions)
	}

	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read latents: %v", err)
	}
	lat, err := store.DecodeLatents(b)
	if err != nil {
		t.Fatalf("DecodeLatents: %v", err)
	}
	if got := lat.Shape; len(got) != 4 || got[1] != 16 {
		t.Errorf("shape = %v, want [1 16 4 4]", got)
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Setenv("UNIDENOISE_LOG_FILE", "")
	runPath := writeFile(t, "run.yaml", runYAML)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	err := run(ctx, []string{runPath}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), model.StatusCanceled) {
		t.Errorf("err = %v, want a canceled run", err)
	}
}

func TestLoadRunFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "model: synthetic-flux\nstepz: 4\n"},
		{"missing model", "prompt: x\n"},
		{"bad guidance", "model: synthetic-flux\nguidance: {a: 1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadRunFile(writeFile(t, "run.yaml", tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := loadRunFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRunRequiresOneFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &stderr); err == nil {
		t.Error("expected error without a run file")
	}
}
