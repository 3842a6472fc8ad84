package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FocuswithJustin/marginalia/core/codec"
)

const page = `<html><body><p>hello world</p><p>second</p></body></html>`

type harness struct {
	t   *testing.T
	dir string
	db  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{t: t, dir: dir, db: filepath.Join(dir, "marginalia.db")}
}

// run executes the CLI and returns stdout.
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--db", h.db, "--log-level", "error"}, args...)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	if err != nil {
		h.t.Fatalf("%v: %v", args, err)
	}
	return out
}

func (h *harness) importPage() string {
	h.t.Helper()
	path := filepath.Join(h.dir, "page.xhtml")
	if err := os.WriteFile(path, []byte(page), 0644); err != nil {
		h.t.Fatal(err)
	}
	out := h.mustRun("doc", "import", path)
	for _, line := range strings.Split(out, "\n") {
		if id, ok := strings.CutPrefix(strings.TrimSpace(line), "ID: "); ok {
			return id
		}
	}
	h.t.Fatalf("no id in %q", out)
	return ""
}

func TestDocCommands(t *testing.T) {
	h := newHarness(t)
	id := h.importPage()

	if out := h.mustRun("doc", "list"); !strings.Contains(out, id) || !strings.Contains(out, "page.xhtml") {
		t.Errorf("doc list = %q", out)
	}

	var docs []map[string]any
	if err := json.Unmarshal([]byte(h.mustRun("doc", "list", "--json")), &docs); err != nil || len(docs) != 1 {
		t.Errorf("doc list --json = %v, %v", docs, err)
	}

	h.mustRun("annotate", id, "underline", "0:0-0:5")
	if out := h.mustRun("doc", "show", id); !strings.Contains(out, "Revisions: 1") {
		t.Errorf("doc show = %q", out)
	}

	h.mustRun("doc", "delete", id)
	if out := h.mustRun("doc", "list"); !strings.Contains(out, "No documents.") {
		t.Errorf("doc list after delete = %q", out)
	}
	if _, err := h.run("doc", "show", id); err == nil {
		t.Error("doc show after delete succeeded")
	}
}

func TestAnnotateListRender(t *testing.T) {
	h := newHarness(t)
	id := h.importPage()

	if out := h.mustRun("annotate", id, "highlight", "0:0-0:5", "--payload", "yellow"); !strings.Contains(out, "Applied highlight") {
		t.Errorf("annotate = %q", out)
	}
	if out := h.mustRun("annotate", id, "note", "1", "--payload", "check this"); !strings.Contains(out, "Payload: 1") {
		t.Errorf("note = %q", out)
	}

	out := h.mustRun("list", id)
	for _, want := range []string{`0:0-5`, `highlight`, `"hello"`, `1:0-6`, `payload 1 (note): "check this"`} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}
	if out := h.mustRun("annotate", id, "list"); !strings.Contains(out, `"second"`) {
		t.Errorf("annotate list = %q", out)
	}

	rendered := h.mustRun("render", id)
	if !strings.Contains(rendered, `<span class="editor-styling highlight">hello</span>`) ||
		!strings.Contains(rendered, `<span class="editor-styling note">second</span>`) {
		t.Errorf("render = %s", rendered)
	}

	h.mustRun("payload", "update", id, "1", "edited")
	if out := h.mustRun("list", id); !strings.Contains(out, `"edited"`) {
		t.Errorf("list after update = %q", out)
	}
	h.mustRun("payload", "remove", id, "1")
	if out := h.mustRun("list", id); strings.Contains(out, "note") {
		t.Errorf("list after remove = %q", out)
	}

	h.mustRun("unannotate", id, "0", "--kind", "highlight")
	if out := h.mustRun("list", id); !strings.Contains(out, "No annotations.") {
		t.Errorf("list after unannotate = %q", out)
	}
}

func TestExportInspectImport(t *testing.T) {
	h := newHarness(t)
	id := h.importPage()
	h.mustRun("annotate", id, "italicize", "0:6-0:11")

	snap := filepath.Join(h.dir, "out.mgsn")
	if out := h.mustRun("--compression", "zstd", "export", id, "-o", snap); !strings.Contains(out, "BLAKE3:") {
		t.Errorf("export = %q", out)
	}

	var info struct {
		Format      string          `json:"format"`
		Compression string          `json:"compression"`
		State       codec.SaveState `json:"state"`
	}
	if err := json.Unmarshal([]byte(h.mustRun("inspect", snap)), &info); err != nil {
		t.Fatal(err)
	}
	if info.Format != "snapshot" || info.Compression != "zstd" || len(info.State.Nodes) != 1 {
		t.Errorf("inspect = %+v", info)
	}

	raw, err := codec.Marshal(info.State)
	if err != nil {
		t.Fatal(err)
	}
	rawPath := filepath.Join(h.dir, "state.bin")
	if err := os.WriteFile(rawPath, raw, 0644); err != nil {
		t.Fatal(err)
	}
	if out := h.mustRun("inspect", rawPath); !strings.Contains(out, `"format": "raw"`) {
		t.Errorf("inspect raw = %q", out)
	}

	h.mustRun("annotate", id, "italicize", "0:6-0:11")
	if out := h.mustRun("list", id); !strings.Contains(out, "No annotations.") {
		t.Fatalf("toggle did not clear: %q", out)
	}
	h.mustRun("import-snapshot", id, snap)
	if out := h.mustRun("list", id); !strings.Contains(out, `"world"`) {
		t.Errorf("list after import = %q", out)
	}

	dir := filepath.Join(h.dir, "all")
	if out := h.mustRun("export", "--all", "--dir", dir); !strings.Contains(out, "Exported 1 documents") {
		t.Errorf("export --all = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, id+".mgsn")); err != nil {
		t.Error(err)
	}
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)
	id := h.importPage()

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"export without target", []string{"export"}},
		{"export both", []string{"export", id, "--all"}},
		{"bad compression", []string{"--compression", "brotli", "export", id}},
		{"bad log level", []string{"--log-level", "loud", "version"}},
		{"bad address", []string{"annotate", id, "highlight", "0:"}},
		{"unknown document", []string{"list", "missing"}},
		{"unannotate without kind", []string{"unannotate", id, "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.run(tt.args...); err == nil {
				t.Errorf("%v succeeded", tt.args)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	if out := h.mustRun("version"); !strings.HasPrefix(out, "marginalia version "+version) {
		t.Errorf("version = %q", out)
	}
}
