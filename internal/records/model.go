package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type EntityType string

const (
	EntityDocument   EntityType = "documents"
	EntityContainer  EntityType = "containers"
	EntityLayout     EntityType = "layouts"
	EntityDeadline   EntityType = "deadlines"
	EntityAnnotation EntityType = "annotations"
)

func AllEntityTypes() []EntityType {
	return []EntityType{EntityDocument, EntityContainer, EntityLayout, EntityDeadline, EntityAnnotation}
}

func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllEntityTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown collection %q", ErrInvalidInput, raw)
}

type LockType string

const (
	LockNone   LockType = ""
	LockUser   LockType = "USER"
	LockSystem LockType = "SYSTEM"
)

func (t LockType) Valid() bool {
	return t == LockUser || t == LockSystem
}

// Markers is a bitmask of workflow flags carried on a Document.
type Markers uint32

const (
	MarkerExcluded Markers = 1 << iota
	MarkerPriority
	MarkerOnHold
)

func (m Markers) Has(flag Markers) bool {
	return m&flag == flag
}

// PageRange is an inclusive page interval.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r PageRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r PageRange) Overlaps(other PageRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

func (r PageRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Entity is implemented by the pointer form of every shared record type.
type Entity interface {
	GetID() string
	SetID(id string)
	GetUpdatedAt() time.Time
	SetUpdatedAt(t time.Time)
}

type Document struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	FilePath    string      `json:"filePath"`
	State       int         `json:"state"`
	Markers     Markers     `json:"markers,omitempty"`
	PageRanges  []PageRange `json:"pageRanges,omitempty"`
	StartPage   *int        `json:"startPage,omitempty"`
	EndPage     *int        `json:"endPage,omitempty"`
	LockOwnerID string      `json:"lockOwnerId,omitempty"`
	LockType    LockType    `json:"lockType,omitempty"`
	ContainerID string      `json:"containerId,omitempty"`
	LayoutID    string      `json:"layoutId,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (d *Document) GetID() string { return d.ID }
func (d *Document) SetID(id string) { d.ID = id }
func (d *Document) GetUpdatedAt() time.Time { return d.UpdatedAt }
func (d *Document) SetUpdatedAt(t time.Time) { d.UpdatedAt = t }
func (d Document) IsLocked() bool { return d.LockOwnerID != "" }
func (d Document) LockedBy(owner string) bool { return owner != "" && d.LockOwnerID == owner }

// CheckLockInvariant reports whether owner and type are both set or both empty.
func (d Document) CheckLockInvariant() error {
	if (d.LockOwnerID == "") != (d.LockType == LockNone) {
		return fmt.Errorf("%w: document %s has lockOwnerId=%q lockType=%q", ErrInvalidInput, d.ID, d.LockOwnerID, d.LockType)
	}
	if d.LockType != LockNone && !d.LockType.Valid() {
		return fmt.Errorf("%w: document %s has unknown lock type %q", ErrInvalidInput, d.ID, d.LockType)
	}
	return nil
}

// Clone returns a copy that shares no slices or pointers with d.
func (d Document) Clone() Document {
	out := d
	if d.PageRanges != nil {
		out.PageRanges = append([]PageRange(nil), d.PageRanges...)
	}
	if d.StartPage != nil {
		v := *d.StartPage
		out.StartPage = &v
	}
	if d.EndPage != nil {
		v := *d.EndPage
		out.EndPage = &v
	}
	return out
}

// EffectivePageRanges falls back to the legacy startPage/endPage pair when
// no explicit ranges are recorded.
func (d Document) EffectivePageRanges() []PageRange {
	if len(d.PageRanges) > 0 {
		return NormalizePageRanges(d.PageRanges)
	}
	if d.StartPage != nil && d.EndPage != nil {
		return []PageRange{{Start: *d.StartPage, End: *d.EndPage}}
	}
	return nil
}

func (d Document) PageCount() int {
	total := 0
	for _, r := range d.EffectivePageRanges() {
		total += r.Len()
	}
	return total
}

// SetPageRanges stores normalized ranges and refreshes the legacy mirror.
func (d *Document) SetPageRanges(ranges []PageRange) {
	d.PageRanges = NormalizePageRanges(ranges)
	if len(d.PageRanges) == 0 {
		d.StartPage = nil
		d.EndPage = nil
		return
	}
	start := d.PageRanges[0].Start
	end := d.PageRanges[len(d.PageRanges)-1].End
	d.StartPage = &start
	d.EndPage = &end
}

// NormalizePageRanges sorts ranges and merges overlapping or adjacent ones.
// Ranges with End < Start are dropped.
func NormalizePageRanges(in []PageRange) []PageRange {
	if len(in) == 0 {
		return nil
	}
	ranges := make([]PageRange, 0, len(in))
	for _, r := range in {
		if r.End < r.Start {
			continue
		}
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start == ranges[j].Start {
			return ranges[i].End < ranges[j].End
		}
		return ranges[i].Start < ranges[j].Start
	})
	out := make([]PageRange, 0, len(ranges))
	for _, r := range ranges {
		if n := len(out); n > 0 && r.Start <= out[n-1].End+1 {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

type Container struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	RootPath      string    `json:"rootPath,omitempty"`
	CoverageStart int       `json:"coverageStart"`
	CoverageEnd   int       `json:"coverageEnd"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (c *Container) GetID() string { return c.ID }
func (c *Container) SetID(id string) { c.ID = id }
func (c *Container) GetUpdatedAt() time.Time { return c.UpdatedAt }
func (c *Container) SetUpdatedAt(t time.Time) { c.UpdatedAt = t }

func (c Container) Coverage() PageRange {
	return PageRange{Start: c.CoverageStart, End: c.CoverageEnd}
}

type Layout struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"containerId"`
	Name        string    `json:"name,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (l *Layout) GetID() string { return l.ID }
func (l *Layout) SetID(id string) { l.ID = id }
func (l *Layout) GetUpdatedAt() time.Time { return l.UpdatedAt }
func (l *Layout) SetUpdatedAt(t time.Time) { l.UpdatedAt = t }

type Deadline struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"containerId"`
	Name        string    `json:"name,omitempty"`
	State       int       `json:"state"`
	DueAt       time.Time `json:"dueAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (d *Deadline) GetID() string { return d.ID }
func (d *Deadline) SetID(id string) { d.ID = id }
func (d *Deadline) GetUpdatedAt() time.Time { return d.UpdatedAt }
func (d *Deadline) SetUpdatedAt(t time.Time) { d.UpdatedAt = t }

// Annotation is a per-document record. Validation results are stored as
// annotations with Kind "validation" keyed by document and validator.
type Annotation struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	ContainerID string    `json:"containerId,omitempty"`
	Kind        string    `json:"kind"`
	Validator   string    `json:"validator,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Errors      []string  `json:"errors,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	Body        string    `json:"body,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (a *Annotation) GetID() string { return a.ID }
func (a *Annotation) SetID(id string) { a.ID = id }
func (a *Annotation) GetUpdatedAt() time.Time { return a.UpdatedAt }
func (a *Annotation) SetUpdatedAt(t time.Time) { a.UpdatedAt = t }

type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is one push notification from the shared store.
type ChangeEvent struct {
	Event   EventKind       `json:"event"`
	Entity  EntityType      `json:"entity"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

// NewChangeEvent marshals entity as the event payload.
func NewChangeEvent(kind EventKind, entity EntityType, id string, payload any) (ChangeEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ChangeEvent{}, err
		}
		raw = data
	}
	return ChangeEvent{Event: kind, Entity: entity, ID: id, Payload: raw}, nil
}

// RevisionString formats an updatedAt marker for If-Match preconditions.
func RevisionString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseRevision(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid revision %q", ErrInvalidInput, raw)
	}
	return t.UTC(), nil
}
