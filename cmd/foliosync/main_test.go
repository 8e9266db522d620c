package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/dharsanguruparan/foliosync/internal/testutil"
)

func TestSniffCommand(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "hero.png")
	svg := filepath.Join(dir, "logo.svg")
	if err := os.WriteFile(png, testutil.PNG(800, 600), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(svg, []byte("<svg/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sniff", png, svg, filepath.Join(dir, "missing.jpg")})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var results []sniffResult
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if r := results[0]; r.Format != "png" || r.Width != 800 || r.Height != 600 || r.Error != "" {
		t.Errorf("png = %+v", r)
	}
	if r := results[1]; r.Error != "dimensions unknown" {
		t.Errorf("svg = %+v", r)
	}
	if r := results[2]; r.Error == "" {
		t.Errorf("missing file = %+v", r)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"sync", "drive", "enqueue", "migrate", "serve", "sniff", "blobs"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
}
