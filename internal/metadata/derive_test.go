package metadata_test

import (
	"testing"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/metadata"
	"github.com/dharsanguruparan/foliosync/internal/model"
)

var now = time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)

func TestIDIsDeterministic(t *testing.T) {
	triples := [][3]string{
		{"Alpha", "Figma", "hero.png"},
		{"Client Work", "After Effects", "frame #1 (final).jpg"},
		{"Ünïcode", "Tool", "résumé.webp"},
		{"", "", ""},
	}
	for _, tr := range triples {
		a := metadata.ID(tr[0], tr[1], tr[2])
		b := metadata.ID(tr[0], tr[1], tr[2])
		if a != b {
			t.Fatalf("ID(%v) not deterministic: %q vs %q", tr, a, b)
		}
	}
	if got := metadata.ID("Client Work", "After Effects", "frame #1.jpg"); got != "Client-Work-After-Effects-frame--1-jpg" {
		t.Fatalf("ID() = %q", got)
	}
}

func TestDerive(t *testing.T) {
	modified := time.Date(2023, 11, 2, 8, 0, 0, 0, time.UTC)
	file := model.RemoteEntry{
		Name:        "Hero Banner.PNG",
		PathLower:   "/portfolio/alpha/figma/hero banner.png",
		PathDisplay: "/Portfolio/Alpha/Figma/Hero Banner.PNG",
		Size:        2048,
		ModifiedAt:  modified,
	}
	e := metadata.Derive(file, "Alpha", "Figma", now)

	if e.ID != "Alpha-Figma-Hero-Banner-PNG" {
		t.Errorf("ID = %q", e.ID)
	}
	if e.Name != "Hero Banner" || e.Extension != "png" {
		t.Errorf("Name/Extension = %q/%q", e.Name, e.Extension)
	}
	if e.TimeBucket != "2023-Q4" {
		t.Errorf("TimeBucket = %q, want 2023-Q4", e.TimeBucket)
	}
	if e.AspectRatioGuess != "16:9" || e.Type != "Design" {
		t.Errorf("guesses = %q/%q", e.AspectRatioGuess, e.Type)
	}
	if e.RemotePath != file.PathLower || e.RemotePathDisplay != file.PathDisplay {
		t.Errorf("paths = %q / %q", e.RemotePath, e.RemotePathDisplay)
	}
	if e.RemoteModifiedAt == nil || !e.RemoteModifiedAt.Equal(modified) {
		t.Errorf("RemoteModifiedAt = %v", e.RemoteModifiedAt)
	}
	if e.AssetURL != nil || e.Width != nil {
		t.Error("derived entries must not carry asset or dimension fields")
	}
}

func TestDeriveFallsBackToNowBucket(t *testing.T) {
	e := metadata.Derive(model.RemoteEntry{Name: "x.jpg", PathLower: "/p/x.jpg"}, "P", "", now)
	if e.TimeBucket != "2024-Q2" {
		t.Errorf("TimeBucket = %q, want 2024-Q2", e.TimeBucket)
	}
	if e.Tool != metadata.GeneralTool {
		t.Errorf("Tool = %q, want General", e.Tool)
	}
	if e.RemoteModifiedAt != nil {
		t.Error("missing timestamp should stay nil")
	}
}

func TestClassificationKeywords(t *testing.T) {
	tests := []struct {
		file       string
		wantType   string
		wantAspect string
	}{
		{"company-logo.png", "Brand", "4:3"},
		{"Brand_Square.jpg", "Brand", "1:1"},
		{"3D-scene.png", "3D", "4:3"},
		{"car_render_portrait.jpg", "3D", "3:4"},
		{"mobile-app-wide.png", "UI", "16:9"},
		{"gig-poster.jpg", "Print", "4:3"},
		{"forest-sketch.jpg", "Illustration", "4:3"},
		{"moodboard.jpg", "Design", "4:3"},
		{"moodboard.webp", "Design", "4:3"},
		{"landing-web.webp", "UI", "4:3"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			e := metadata.Derive(model.RemoteEntry{Name: tt.file, PathLower: "/p/t/" + tt.file}, "P", "T", now)
			if e.Type != tt.wantType || e.AspectRatioGuess != tt.wantAspect {
				t.Errorf("Derive(%q) = %s/%s, want %s/%s", tt.file, e.Type, e.AspectRatioGuess, tt.wantType, tt.wantAspect)
			}
		})
	}
}

func TestToolFor(t *testing.T) {
	if got := metadata.ToolFor(nil); got != "General" {
		t.Errorf("ToolFor(nil) = %q", got)
	}
	if got := metadata.ToolFor([]string{"Blender", "renders"}); got != "Blender" {
		t.Errorf("ToolFor() = %q", got)
	}
}
