// Package model contains the struct definitions shared across the sync
// pipeline, the catalogue stores and the HTTP API.
package model

import (
	"time"
)

// AssetKind records how an entry's asset URL was obtained. A mirrored URL
// points into durable blob storage and never expires; a temporary URL was
// minted by the remote store and must be refreshed before it lapses.
type AssetKind string

const (
	AssetMirror    AssetKind = "mirror"
	AssetTemporary AssetKind = "temporary"
)

// SyncStatus is the coarse state of the most recent sync campaign.
type SyncStatus string

const (
	StatusComplete SyncStatus = "complete"
	StatusPartial  SyncStatus = "partial"
)

// RemoteEntry is one child returned by listing a folder in the remote store.
type RemoteEntry struct {
	Name        string    `json:"name"`
	PathLower   string    `json:"pathLower"`
	PathDisplay string    `json:"pathDisplay"`
	IsFolder    bool      `json:"isFolder"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// TemporaryLink is a signed, short-lived download URL for a remote file.
type TemporaryLink struct {
	URL       string
	ExpiresAt time.Time
}

// Entry is one row of the portfolio_images catalogue. Pointer fields are
// NULL in the database until the materializer fills them in.
type Entry struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Project           string     `json:"project"`
	Tool              string     `json:"tool"`
	Type              string     `json:"type"`
	TimeBucket        string     `json:"timeBucket"`
	AspectRatioGuess  string     `json:"aspectRatioGuess"`
	RemotePath        string     `json:"remotePath"`
	RemotePathDisplay string     `json:"remotePathDisplay"`
	Extension         string     `json:"extension"`
	SizeBytes         int64      `json:"sizeBytes"`
	RemoteModifiedAt  *time.Time `json:"remoteModifiedAt,omitempty"`

	AssetURL       *string    `json:"assetUrl"`
	AssetKind      AssetKind  `json:"assetKind,omitempty"`
	AssetExpiresAt *time.Time `json:"assetExpiresAt,omitempty"`

	Width                  *int       `json:"width"`
	Height                 *int       `json:"height"`
	AspectRatioMeasured    *float64   `json:"aspectRatioMeasured"`
	AspectEstimated        bool       `json:"estimated"`
	DimensionsCalculatedAt *time.Time `json:"dimensionsCalculatedAt"`
	DimensionAttempts      int        `json:"-"`

	ScannedAt time.Time `json:"scannedAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NeedsAsset reports whether the entry has no usable asset URL at now+margin.
func (e *Entry) NeedsAsset(now time.Time, margin time.Duration) bool {
	if e.AssetURL == nil || *e.AssetURL == "" {
		return true
	}
	if e.AssetKind != AssetTemporary {
		return false
	}
	return e.AssetExpiresAt == nil || e.AssetExpiresAt.Before(now.Add(margin))
}

// PendingQuery selects catalogue rows the materializer should visit.
type PendingQuery struct {
	// Project limits the selection; empty selects every project.
	Project string
	// RefreshBefore marks temporary links expiring before it as stale.
	RefreshBefore time.Time
	// UpgradeTemporary selects every temporary link, used when mirroring.
	UpgradeTemporary     bool
	MaxDimensionAttempts int
	Limit                int
}

// Pending reports whether q selects e.
func (e *Entry) Pending(q PendingQuery) bool {
	if q.Project != "" && e.Project != q.Project {
		return false
	}
	if e.AssetURL == nil || *e.AssetURL == "" {
		return true
	}
	if e.AssetKind == AssetTemporary {
		if q.UpgradeTemporary || e.AssetExpiresAt == nil || e.AssetExpiresAt.Before(q.RefreshBefore) {
			return true
		}
	}
	return e.NeedsDimensions(q.MaxDimensionAttempts)
}

// NeedsDimensions reports whether a measurement should still be attempted.
func (e *Entry) NeedsDimensions(maxAttempts int) bool {
	return e.Width == nil && e.DimensionAttempts < maxAttempts
}

// AssetUpdate carries the fields the materializer is allowed to change.
// Nil pointers leave the stored column untouched.
type AssetUpdate struct {
	AssetURL       *string
	AssetKind      AssetKind
	AssetExpiresAt *time.Time

	Width                  *int
	Height                 *int
	AspectRatioMeasured    *float64
	AspectEstimated        bool
	DimensionsCalculatedAt *time.Time

	// DimensionAttempted increments the attempt counter after a failed sniff.
	DimensionAttempted bool
}

// Empty reports whether applying the update would change nothing.
func (u AssetUpdate) Empty() bool {
	return u.AssetURL == nil && u.Width == nil && u.AspectRatioMeasured == nil && !u.DimensionAttempted
}

// Apply copies the update onto an in-memory entry using the same rules the
// SQL repository applies: measured dimensions always win, an estimate only
// fills an empty aspect ratio.
func (u AssetUpdate) Apply(e *Entry) {
	if u.AssetURL != nil {
		url := *u.AssetURL
		e.AssetURL = &url
		e.AssetKind = u.AssetKind
		e.AssetExpiresAt = u.AssetExpiresAt
	}
	switch {
	case u.Width != nil && u.Height != nil:
		w, h := *u.Width, *u.Height
		e.Width, e.Height = &w, &h
		e.AspectRatioMeasured = u.AspectRatioMeasured
		e.AspectEstimated = false
		e.DimensionsCalculatedAt = u.DimensionsCalculatedAt
	case u.AspectEstimated && u.AspectRatioMeasured != nil && e.AspectRatioMeasured == nil:
		ratio := *u.AspectRatioMeasured
		e.AspectRatioMeasured = &ratio
		e.AspectEstimated = true
	}
	if u.DimensionAttempted {
		e.DimensionAttempts++
	}
}

// EntryRevision rewrites the classification fields of the row currently
// identified by PrevID. Entry.ID may differ from PrevID when the derived id
// changed, for instance after a case-only rename.
type EntryRevision struct {
	PrevID string
	Entry  Entry
}

// SyncMeta is the singleton progress record for sync campaigns.
type SyncMeta struct {
	LastSyncAt     time.Time  `json:"lastSyncAt"`
	ProjectsSynced int        `json:"projectsSynced"`
	TotalProjects  int        `json:"totalProjects"`
	Status         SyncStatus `json:"status"`
	NextChunk      int        `json:"nextChunk"`
	LastError      string     `json:"lastError,omitempty"`
}

// Failure describes one unit of work that did not succeed. Failures are
// reported in results, they never abort sibling work.
type Failure struct {
	Scope   string `json:"scope"`
	Path    string `json:"path,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}
