package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// ValidatorKind names a built-in validator. The set is closed; tables that
// reference anything else are rejected at load.
type ValidatorKind string

const (
	KindPageRange      ValidatorKind = "page_range"
	KindCoverage       ValidatorKind = "coverage"
	KindLayoutAssigned ValidatorKind = "layout_assigned"
	KindMarkers        ValidatorKind = "markers"
	KindFileVerified   ValidatorKind = "file_verified"
)

func AllValidatorKinds() []ValidatorKind {
	return []ValidatorKind{KindPageRange, KindCoverage, KindLayoutAssigned, KindMarkers, KindFileVerified}
}

func ParseValidatorKind(raw string) (ValidatorKind, error) {
	for _, k := range AllValidatorKinds() {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown validator %q", records.ErrInvalidInput, raw)
}

type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeSkipped Outcome = "skipped"
)

// Result is one validator run. Corrected, when set, is the record the
// validator wants written back in place of the input.
type Result struct {
	Validator ValidatorKind
	Outcome   Outcome
	Errors    []string
	Warnings  []string
	Reason    string
	Corrected *records.Document
}

func pass(kind ValidatorKind, warnings ...string) Result {
	return Result{Validator: kind, Outcome: OutcomePass, Warnings: warnings}
}

func fail(kind ValidatorKind, errs ...string) Result {
	return Result{Validator: kind, Outcome: OutcomeFail, Errors: errs}
}

func skipped(kind ValidatorKind, reason string) Result {
	return Result{Validator: kind, Outcome: OutcomeSkipped, Reason: reason}
}

// View is the read side of the local state store validators consult.
type View interface {
	Documents() []records.Document
	Container(id string) (records.Container, bool)
}

// Input is what a validator sees.
type Input struct {
	Document records.Document
	From     int
	To       int
	View     View
}

type Validator interface {
	Kind() ValidatorKind
	Validate(ctx context.Context, in Input) Result
}

// Inspection is the host's view of a document file.
type Inspection struct {
	ModTime time.Time
	// Pages is nil when the inspector cannot count pages.
	Pages []records.PageRange
}

// ErrVolumeUnavailable marks a file whose volume cannot be reached.
var ErrVolumeUnavailable = errors.New("volume unavailable")

// Inspector reads a document file. It returns fs.ErrNotExist for missing
// files and ErrVolumeUnavailable when the answer is unknown.
type Inspector interface {
	Inspect(ctx context.Context, path string) (Inspection, error)
}

// StatInspector inspects files with os.Stat. Volumes must be mounted under
// the paths documents record.
type StatInspector struct{}

func (StatInspector) Inspect(ctx context.Context, path string) (Inspection, error) {
	if err := ctx.Err(); err != nil {
		return Inspection{}, err
	}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return Inspection{ModTime: info.ModTime()}, nil
	case errors.Is(err, fs.ErrNotExist):
		// A missing parent directory means the volume is not mounted.
		if _, dirErr := os.Stat(parentDir(path)); dirErr != nil {
			return Inspection{}, fmt.Errorf("%w: %v", ErrVolumeUnavailable, dirErr)
		}
		return Inspection{}, err
	default:
		return Inspection{}, fmt.Errorf("%w: %v", ErrVolumeUnavailable, err)
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}

// PageRangeValidator requires page ranges and, when the inspector can
// count pages, corrects records that drifted from the file.
type PageRangeValidator struct {
	Inspector Inspector
}

func (PageRangeValidator) Kind() ValidatorKind { return KindPageRange }

func (v PageRangeValidator) Validate(ctx context.Context, in Input) Result {
	recorded := in.Document.EffectivePageRanges()
	if v.Inspector != nil {
		insp, err := v.Inspector.Inspect(ctx, in.Document.FilePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fail(KindPageRange, fmt.Sprintf("file %s does not exist", in.Document.FilePath))
		case err != nil:
			return skipped(KindPageRange, err.Error())
		case insp.Pages != nil:
			actual := records.NormalizePageRanges(insp.Pages)
			if len(actual) == 0 {
				return fail(KindPageRange, "file has no pages")
			}
			if !slices.Equal(actual, recorded) {
				corrected := in.Document.Clone()
				corrected.SetPageRanges(actual)
				r := pass(KindPageRange, fmt.Sprintf("page ranges corrected from %s to %s", formatRanges(recorded), formatRanges(actual)))
				r.Corrected = &corrected
				return r
			}
		}
	}
	if len(recorded) == 0 {
		return fail(KindPageRange, "no page ranges recorded")
	}
	return pass(KindPageRange)
}

func formatRanges(ranges []records.PageRange) string {
	if len(ranges) == 0 {
		return "none"
	}
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// CoverageValidator keeps page ranges inside the container's coverage and
// free of overlaps with other documents in the same layout.
type CoverageValidator struct{}

func (CoverageValidator) Kind() ValidatorKind { return KindCoverage }

func (CoverageValidator) Validate(ctx context.Context, in Input) Result {
	doc := in.Document
	ranges := doc.EffectivePageRanges()
	if len(ranges) == 0 {
		return fail(KindCoverage, "no page ranges recorded")
	}
	var errs []string
	if doc.ContainerID != "" && in.View != nil {
		if c, ok := in.View.Container(doc.ContainerID); ok {
			cov := c.Coverage()
			for _, r := range ranges {
				if r.Start < cov.Start || r.End > cov.End {
					errs = append(errs, fmt.Sprintf("pages %s fall outside container coverage %s", r, cov))
				}
			}
		}
	}
	if doc.LayoutID != "" && in.View != nil {
		for _, other := range in.View.Documents() {
			if other.ID == doc.ID || other.LayoutID != doc.LayoutID || other.Markers.Has(records.MarkerExcluded) {
				continue
			}
			for _, mine := range ranges {
				for _, theirs := range other.EffectivePageRanges() {
					if mine.Overlaps(theirs) {
						errs = append(errs, fmt.Sprintf("pages %s overlap %s (%s)", mine, other.Name, theirs))
					}
				}
			}
		}
	}
	if len(errs) > 0 {
		return fail(KindCoverage, errs...)
	}
	return pass(KindCoverage)
}

type LayoutAssignedValidator struct{}

func (LayoutAssignedValidator) Kind() ValidatorKind { return KindLayoutAssigned }

func (LayoutAssignedValidator) Validate(ctx context.Context, in Input) Result {
	if in.Document.LayoutID == "" {
		return fail(KindLayoutAssigned, "no layout assigned")
	}
	return pass(KindLayoutAssigned)
}

// MarkersValidator blocks documents excluded from the workflow or on hold.
type MarkersValidator struct{}

func (MarkersValidator) Kind() ValidatorKind { return KindMarkers }

func (MarkersValidator) Validate(ctx context.Context, in Input) Result {
	var errs []string
	if in.Document.Markers.Has(records.MarkerExcluded) {
		errs = append(errs, "document is excluded from the workflow")
	}
	if in.Document.Markers.Has(records.MarkerOnHold) {
		errs = append(errs, "document is on hold")
	}
	if len(errs) > 0 {
		return fail(KindMarkers, errs...)
	}
	if in.Document.Markers.Has(records.MarkerPriority) {
		return pass(KindMarkers, "document is marked priority")
	}
	return pass(KindMarkers)
}

// FileVerifiedValidator checks the document file can be read from its
// volume. It is the validator the background verification flow runs under
// a SYSTEM lock.
type FileVerifiedValidator struct {
	Inspector Inspector
	// MaxAge, when set, warns about files not modified within it.
	MaxAge time.Duration
	Now    func() time.Time
}

func (FileVerifiedValidator) Kind() ValidatorKind { return KindFileVerified }

func (v FileVerifiedValidator) Validate(ctx context.Context, in Input) Result {
	inspector := v.Inspector
	if inspector == nil {
		inspector = StatInspector{}
	}
	insp, err := inspector.Inspect(ctx, in.Document.FilePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fail(KindFileVerified, fmt.Sprintf("file %s does not exist", in.Document.FilePath))
	case err != nil:
		return skipped(KindFileVerified, err.Error())
	}
	if v.MaxAge > 0 && !insp.ModTime.IsZero() {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if age := now().Sub(insp.ModTime); age > v.MaxAge {
			return pass(KindFileVerified, fmt.Sprintf("file not modified for %s", age.Round(time.Minute)))
		}
	}
	return pass(KindFileVerified)
}
