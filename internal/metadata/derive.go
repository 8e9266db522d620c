// Package metadata turns a remote file and its position in the tree into a
// catalogue candidate. Everything here is pure.
package metadata

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dharsanguruparan/foliosync/internal/model"
)

// GeneralTool is used for files placed directly in a project folder.
const GeneralTool = "General"

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9-]`)

type keywordRule struct {
	keywords []string
	value    string
}

// Rules are evaluated in order; the first match wins.
var typeRules = []keywordRule{
	{[]string{"logo", "brand"}, "Brand"},
	{[]string{"3d", "render"}, "3D"},
	{[]string{"ui", "app", "web"}, "UI"},
	{[]string{"poster", "print"}, "Print"},
	{[]string{"illustration", "sketch"}, "Illustration"},
}

var aspectRules = []keywordRule{
	{[]string{"portrait"}, "3:4"},
	{[]string{"square"}, "1:1"},
	{[]string{"wide", "banner"}, "16:9"},
}

const (
	defaultType   = "Design"
	defaultAspect = "4:3"
)

// ID returns the deterministic catalogue id for a file.
func ID(project, tool, filename string) string {
	return slugUnsafe.ReplaceAllString(fmt.Sprintf("%s-%s-%s", project, tool, filename), "-")
}

// TimeBucket returns "YYYY-Qn" for t.
func TimeBucket(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

// Derive builds a catalogue candidate. now is used for scanned_at and as the
// time bucket fallback when the remote timestamp is missing.
func Derive(file model.RemoteEntry, project, tool string, now time.Time) model.Entry {
	if tool == "" {
		tool = GeneralTool
	}
	ext := path.Ext(file.Name)
	name := strings.TrimSuffix(file.Name, ext)
	lower := strings.ToLower(name)

	bucketTime := now
	var modified *time.Time
	if !file.ModifiedAt.IsZero() {
		m := file.ModifiedAt.UTC()
		modified = &m
		bucketTime = m
	}

	remotePath := file.PathLower
	if remotePath == "" {
		remotePath = file.PathDisplay
	}

	return model.Entry{
		ID:                ID(project, tool, file.Name),
		Name:              name,
		Project:           project,
		Tool:              tool,
		Type:              match(lower, typeRules, defaultType),
		TimeBucket:        TimeBucket(bucketTime),
		AspectRatioGuess:  match(lower, aspectRules, defaultAspect),
		RemotePath:        strings.ToLower(remotePath),
		RemotePathDisplay: file.PathDisplay,
		Extension:         strings.ToLower(strings.TrimPrefix(ext, ".")),
		SizeBytes:         file.Size,
		RemoteModifiedAt:  modified,
		ScannedAt:         now.UTC(),
	}
}

// ToolFor picks the tool from the folder segments between the project folder
// and the file. Deeper folders still belong to the first-level tool.
func ToolFor(segments []string) string {
	if len(segments) == 0 {
		return GeneralTool
	}
	return segments[0]
}

func match(lower string, rules []keywordRule, fallback string) string {
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.value
			}
		}
	}
	return fallback
}
