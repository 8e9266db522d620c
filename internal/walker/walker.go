// Package walker enumerates image files below a remote root folder.
package walker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dharsanguruparan/foliosync/internal/model"
)

// DefaultMaxDepth bounds folder descent below a project folder.
const DefaultMaxDepth = 3

var imageExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".svg",
	".avif", ".heic", ".heif", ".ico", ".jfif", ".pjpeg", ".pjp",
}

// Lister lists the direct children of a remote folder.
type Lister interface {
	ListFolder(ctx context.Context, path string) ([]model.RemoteEntry, error)
}

// File is an image found during a walk. Segments holds the folder names
// between the walk root and the file, in display casing.
type File struct {
	model.RemoteEntry
	Segments []string
}

// Options tune a single Walk.
type Options struct {
	// MaxDepth is the number of folder levels below the root that are
	// listed. The root itself is depth 0. Zero means DefaultMaxDepth.
	MaxDepth int
	// Stop is consulted before every folder listing and after a failed one.
	// Returning true abandons the remaining folders.
	Stop func() bool
	// OpContext derives the context of each folder listing, typically to
	// give it its own deadline. Nil uses the walk context as is.
	OpContext func(context.Context) (context.Context, context.CancelFunc)
}

// FolderFailure records a folder that could not be listed.
type FolderFailure struct {
	Path string
	Err  error
}

// Report summarises a walk.
type Report struct {
	Files       int
	Folders     int
	SkippedDeep int
	Failures    []FolderFailure
	Truncated   bool
}

// Complete reports whether every reachable folder was listed.
func (r Report) Complete() bool {
	return !r.Truncated && len(r.Failures) == 0
}

// Walker walks a remote tree through a Lister.
type Walker struct {
	lister Lister
}

// New returns a Walker backed by l.
func New(l Lister) *Walker {
	return &Walker{lister: l}
}

// ListChildren returns the children of path as reported by the store.
func (w *Walker) ListChildren(ctx context.Context, path string) ([]model.RemoteEntry, error) {
	entries, err := w.lister.ListFolder(ctx, path)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Projects returns the top-level folders under root sorted by lower-cased
// name, which keeps chunk indices stable between invocations.
func (w *Walker) Projects(ctx context.Context, root string) ([]model.RemoteEntry, error) {
	entries, err := w.ListChildren(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list projects under %q: %w", displayRoot(root), err)
	}
	projects := make([]model.RemoteEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsFolder {
			projects = append(projects, e)
		}
	}
	sort.SliceStable(projects, func(i, j int) bool {
		a, b := strings.ToLower(projects[i].Name), strings.ToLower(projects[j].Name)
		if a != b {
			return a < b
		}
		return projects[i].PathLower < projects[j].PathLower
	})
	return projects, nil
}

type frame struct {
	path     string
	depth    int
	segments []string
}

// Walk visits every image file below root in directory order. A failure to
// list root is returned as an error; failures below root are recorded in the
// report and the walk continues with the remaining folders. A visit error
// aborts the walk.
func (w *Walker) Walk(ctx context.Context, root string, opts Options, visit func(File) error) (Report, error) {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	var report Report
	stack := []frame{{path: root}}
	for len(stack) > 0 {
		if stopped(opts) {
			report.Truncated = true
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			report.Truncated = true
			return report, nil
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := w.list(ctx, top.path, opts)
		if err != nil {
			if stopped(opts) || ctx.Err() != nil {
				report.Truncated = true
				return report, nil
			}
			if top.depth == 0 {
				return report, fmt.Errorf("list %q: %w", displayRoot(top.path), err)
			}
			report.Failures = append(report.Failures, FolderFailure{Path: top.path, Err: err})
			continue
		}
		report.Folders++

		var folders []frame
		for _, e := range entries {
			if e.IsFolder {
				if top.depth+1 > maxDepth {
					report.SkippedDeep++
					continue
				}
				folders = append(folders, frame{
					path:     childPath(top.path, e),
					depth:    top.depth + 1,
					segments: appendSegment(top.segments, e.Name),
				})
				continue
			}
			if !IsImage(e.Name) {
				continue
			}
			report.Files++
			if err := visit(File{RemoteEntry: e, Segments: top.segments}); err != nil {
				return report, err
			}
		}
		// Push in reverse so folders are popped in listing order.
		for i := len(folders) - 1; i >= 0; i-- {
			stack = append(stack, folders[i])
		}
	}
	return report, nil
}

func (w *Walker) list(ctx context.Context, p string, opts Options) ([]model.RemoteEntry, error) {
	if opts.OpContext != nil {
		var cancel context.CancelFunc
		ctx, cancel = opts.OpContext(ctx)
		defer cancel()
	}
	return w.ListChildren(ctx, p)
}

func stopped(opts Options) bool {
	return opts.Stop != nil && opts.Stop()
}

// IsImage reports whether name ends in an allowed image extension,
// ignoring case.
func IsImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func childPath(parent string, e model.RemoteEntry) string {
	if e.PathDisplay != "" {
		return e.PathDisplay
	}
	if e.PathLower != "" {
		return e.PathLower
	}
	return strings.TrimRight(parent, "/") + "/" + e.Name
}

func appendSegment(segments []string, name string) []string {
	out := make([]string, len(segments), len(segments)+1)
	copy(out, segments)
	return append(out, name)
}

func displayRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
