// Package resolve implements the client-side protocol that runs when a
// versioned save is rejected: detect the conflict, let the user pick a
// resolution path, and resubmit against the server's current version.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/store"
)

// State of the resolution machine.
// Idle -> ConflictDetected -> {Reloading|Overriding|Merging|FieldResolving} -> Resolved -> Idle
type State string

const (
	StateIdle             State = "idle"
	StateConflictDetected State = "conflict_detected"
	StateReloading        State = "reloading"
	StateOverriding       State = "overriding"
	StateMerging          State = "merging"
	StateFieldResolving   State = "field_resolving"
	StateResolved         State = "resolved"
)

// Choice is a per-field pick during field-level resolution.
type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseServer Choice = "server"
)

var (
	ErrNotInConflict     = errors.New("no conflict to resolve")
	ErrNotFieldResolving = errors.New("field resolution not in progress")
	ErrUnresolvedFields  = errors.New("unresolved fields remain")
	ErrUnknownField      = errors.New("field is not part of the conflict")
	ErrInvalidChoice     = errors.New("choice must be local or server")
)

// Client is the narrow server surface the resolver talks to. The HTTP
// layer implements it in the real client; tests inject fakes.
type Client interface {
	Fetch(ctx context.Context, docID string) (*store.WeeklyReport, error)
	Save(ctx context.Context, docID string, f store.Fields, expectedVersion uint64) (*store.WeeklyReport, error)
}

// ConflictContext is the snapshot captured when a save is rejected.
// It is consumed by exactly one resolution action, then discarded.
type ConflictContext struct {
	HeldVersion    uint64
	ServerVersion  uint64
	LocalDraft     store.Fields
	ServerSnapshot *store.WeeklyReport
}

// Resolver drives one document's edit/conflict lifecycle. Not safe for
// concurrent use; a client owns one resolver per open document.
type Resolver struct {
	client  Client
	docID   string
	state   State
	version uint64 // last version known good, cached while idle

	conflict *ConflictContext
	diffs    []FieldDiff
	choices  map[string]Choice
}

func NewResolver(client Client, docID string, version uint64) *Resolver {
	return &Resolver{client: client, docID: docID, state: StateIdle, version: version}
}

func (r *Resolver) State() State    { return r.state }
func (r *Resolver) Version() uint64 { return r.version }
func (r *Resolver) DocID() string   { return r.docID }

// Conflict exposes the pending conflict context, nil while idle.
func (r *Resolver) Conflict() *ConflictContext { return r.conflict }

// Submit attempts a normal save with the cached version. On success
// the new version is cached and the resolver stays idle. On a version
// conflict the machine enters ConflictDetected with a fresh server
// snapshot; any other error is returned as-is.
func (r *Resolver) Submit(ctx context.Context, draft store.Fields) (*store.WeeklyReport, error) {
	updated, err := r.client.Save(ctx, r.docID, draft, r.version)
	if err == nil {
		r.version = updated.Version
		return updated, nil
	}
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		return nil, err
	}
	if err := r.enterConflict(ctx, draft, conflict); err != nil {
		return nil, err
	}
	return nil, conflict
}

func (r *Resolver) enterConflict(ctx context.Context, draft store.Fields, conflict *store.ConflictError) error {
	snapshot, err := r.client.Fetch(ctx, r.docID)
	if err != nil {
		return fmt.Errorf("fetch server snapshot: %w", err)
	}
	r.conflict = &ConflictContext{
		HeldVersion:    conflict.ExpectedVersion,
		ServerVersion:  snapshot.Version,
		LocalDraft:     draft,
		ServerSnapshot: snapshot,
	}
	r.state = StateConflictDetected
	r.diffs = nil
	r.choices = nil
	return nil
}

// Reload discards the local draft, adopts the server's current
// document and returns to idle. The data loss is the user's explicit
// choice.
func (r *Resolver) Reload(ctx context.Context) (*store.WeeklyReport, error) {
	if r.state != StateConflictDetected {
		return nil, ErrNotInConflict
	}
	r.state = StateReloading
	return r.adoptServer(ctx)
}

// Merge adopts the server's current document, same data path as Reload
// under a different UI framing.
func (r *Resolver) Merge(ctx context.Context) (*store.WeeklyReport, error) {
	if r.state != StateConflictDetected {
		return nil, ErrNotInConflict
	}
	r.state = StateMerging
	return r.adoptServer(ctx)
}

func (r *Resolver) adoptServer(ctx context.Context) (*store.WeeklyReport, error) {
	current, err := r.client.Fetch(ctx, r.docID)
	if err != nil {
		// Stay in conflict so the user can retry or pick another path.
		r.state = StateConflictDetected
		return nil, fmt.Errorf("reload document: %w", err)
	}
	r.settle(current.Version)
	return current, nil
}

// Override resubmits the local draft against the server's current
// version, silently replacing whatever the other writer changed. The
// caller must present this as an explicitly destructive action.
func (r *Resolver) Override(ctx context.Context) (*store.WeeklyReport, error) {
	if r.state != StateConflictDetected {
		return nil, ErrNotInConflict
	}
	r.state = StateOverriding
	return r.resubmit(ctx, r.conflict.LocalDraft)
}

// BeginFieldResolve computes the per-field diff between the local
// draft and the server snapshot and opens field-level resolution.
func (r *Resolver) BeginFieldResolve() ([]FieldDiff, error) {
	if r.state != StateConflictDetected {
		return nil, ErrNotInConflict
	}
	r.state = StateFieldResolving
	r.diffs = DiffFields(r.conflict.LocalDraft.FieldMap(), r.conflict.ServerSnapshot.EditableFields().FieldMap())
	r.choices = make(map[string]Choice, len(r.diffs))
	return r.diffs, nil
}

// ChooseField records the user's pick for one differing field.
func (r *Resolver) ChooseField(name string, c Choice) error {
	if r.state != StateFieldResolving {
		return ErrNotFieldResolving
	}
	if c != ChooseLocal && c != ChooseServer {
		return ErrInvalidChoice
	}
	for _, d := range r.diffs {
		if d.Name == name {
			r.choices[name] = c
			return nil
		}
	}
	return ErrUnknownField
}

// Unresolved lists the differing fields still waiting for a choice.
func (r *Resolver) Unresolved() []string {
	var pending []string
	for _, d := range r.diffs {
		if _, ok := r.choices[d.Name]; !ok {
			pending = append(pending, d.Name)
		}
	}
	return pending
}

// SubmitResolved composes the per-field choices into one document and
// resubmits it against the server's current version. Submission is
// blocked until every differing field has an explicit choice.
func (r *Resolver) SubmitResolved(ctx context.Context) (*store.WeeklyReport, error) {
	if r.state != StateFieldResolving {
		return nil, ErrNotFieldResolving
	}
	if pending := r.Unresolved(); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedFields, pending)
	}

	composite := r.conflict.ServerSnapshot.EditableFields().FieldMap()
	local := r.conflict.LocalDraft.FieldMap()
	for name, c := range r.choices {
		if c == ChooseLocal {
			composite[name] = local[name]
		}
	}
	return r.resubmit(ctx, store.FieldsFromMap(composite))
}

// resubmit is the terminal save shared by Override and field-level
// resolution. A fresh race re-enters ConflictDetected with a new
// snapshot; the loop has no retry bound, it ends only on user action.
func (r *Resolver) resubmit(ctx context.Context, draft store.Fields) (*store.WeeklyReport, error) {
	updated, err := r.client.Save(ctx, r.docID, draft, r.conflict.ServerVersion)
	if err == nil {
		r.settle(updated.Version)
		return updated, nil
	}
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		r.state = StateConflictDetected
		return nil, err
	}
	if enterErr := r.enterConflict(ctx, draft, conflict); enterErr != nil {
		return nil, enterErr
	}
	return nil, conflict
}

// settle completes a resolution: transition through Resolved, cache
// the new version and discard the consumed conflict context.
func (r *Resolver) settle(version uint64) {
	r.state = StateResolved
	r.version = version
	r.conflict = nil
	r.diffs = nil
	r.choices = nil
	r.state = StateIdle
}
