// Package correlation maps inbound signals onto the request they belong to.
package correlation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

// Via names the rule that produced a Resolution.
type Via string

const (
	ViaExplicit   Via = "explicit"
	ViaExternalID Via = "external_id"
	ViaTracked    Via = "tracked"
	ViaFIFO       Via = "fifo"
	ViaCreated    Via = "created"
)

// Signal is anything that may refer to a request.
type Signal struct {
	RequestID         string
	ExternalMessageID int64
	Content           string
	From              string
	Source            string
	ChainID           string
	// AssignTo is written to the request on adoption and creation.
	AssignTo string
	// Claim marks the resolved request as taken, whichever rule found it,
	// so no later FIFO claim can pick it up. Task-creating actions claim;
	// passive observers do not.
	Claim bool
	// Announce emits a "Request from" event when an existing request is
	// adopted with real content.
	Announce bool
	// NoFIFO skips the oldest-pending fallback.
	NoFIFO bool
	// KeepContent only replaces placeholder content on adoption.
	KeepContent bool
}

type Resolution struct {
	Request *persistence.Request
	Adopted bool
	Created bool
	Via     Via
}

// Journal receives the side effects of resolution. The coordinator
// implements it so events and bus notifications stay in one place.
type Journal interface {
	Emit(ctx context.Context, ev persistence.Event)
	PublishRequest(ctx context.Context, req *persistence.Request)
	CountReceived(ctx context.Context)
}

type Resolver struct {
	store   *persistence.Store
	agents  *agent.Registry
	journal Journal
	logger  *slog.Logger
}

func NewResolver(store *persistence.Store, agents *agent.Registry, journal Journal, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		agents:  agents,
		journal: journal,
		logger:  logger.With("component", "correlation"),
	}
}

// Resolve returns the request sig refers to, trying in order: the explicit
// id, the external message id, the tracker's active request, the oldest
// pending request, and finally a new request. tracker may be nil.
func (r *Resolver) Resolve(ctx context.Context, sig Signal, tracker *Tracker) (Resolution, error) {
	if sig.RequestID != "" {
		req, err := r.store.GetRequest(ctx, sig.RequestID)
		switch {
		case err == nil:
			return r.adopt(ctx, req, sig, ViaExplicit)
		case !errors.Is(err, sql.ErrNoRows):
			return Resolution{}, fmt.Errorf("resolve explicit id: %w", err)
		}
	}

	if sig.ExternalMessageID != 0 {
		req, err := r.store.FindByTgMessageID(ctx, sig.ExternalMessageID)
		if err != nil {
			return Resolution{}, err
		}
		if req != nil {
			return r.adopt(ctx, req, sig, ViaExternalID)
		}
	}

	if tracker != nil {
		if id := tracker.Current(); id != "" {
			req, err := r.store.GetRequest(ctx, id)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return Resolution{}, fmt.Errorf("resolve tracked request: %w", err)
			}
			if req != nil && req.State != persistence.RequestCompleted {
				return r.adopt(ctx, req, sig, ViaTracked)
			}
		}
	}

	if !sig.NoFIFO {
		var (
			req *persistence.Request
			err error
		)
		if sig.Claim {
			req, err = r.store.ClaimOldestPending(ctx)
		} else {
			req, err = r.store.FindOldestPending(ctx, false)
		}
		if err != nil {
			return Resolution{}, err
		}
		if req != nil {
			return r.adopt(ctx, req, sig, ViaFIFO)
		}
	}

	return r.create(ctx, sig)
}

func (r *Resolver) adopt(ctx context.Context, req *persistence.Request, sig Signal, via Via) (Resolution, error) {
	res := Resolution{Request: req, Adopted: true, Via: via}
	if req.State == persistence.RequestCompleted {
		return res, nil
	}

	content := sig.Content
	realContent := content != "" && content != shared.Placeholder

	var patch persistence.RequestPatch
	if sig.AssignTo != "" && sig.AssignTo != req.AssignedTo {
		patch.AssignedTo = &sig.AssignTo
	}
	if realContent && content != req.Content && (!sig.KeepContent || req.Content == shared.Placeholder || req.Content == "") {
		patch.Content = &content
	}
	if sig.ChainID != "" && sig.ChainID != req.ChainID {
		patch.ChainID = &sig.ChainID
	}
	if sig.ExternalMessageID != 0 && req.TgMessageID == 0 {
		patch.TgMessageID = &sig.ExternalMessageID
	}

	updated, err := r.store.UpdateRequest(ctx, req.ID, patch)
	switch {
	case errors.Is(err, persistence.ErrStale):
		// Completed between read and write; hand back the terminal row.
		fresh, gerr := r.store.GetRequest(ctx, req.ID)
		if gerr != nil {
			return Resolution{}, gerr
		}
		res.Request = fresh
		return res, nil
	case errors.Is(err, persistence.ErrConflict):
		// The external id already belongs to another request. Keep the
		// adoption but leave the id where it is.
		patch.TgMessageID = nil
		updated, err = r.store.UpdateRequest(ctx, req.ID, patch)
		if err != nil && !errors.Is(err, persistence.ErrStale) {
			return Resolution{}, err
		}
	case err != nil:
		return Resolution{}, err
	}
	if updated != nil {
		res.Request = updated
	}
	if sig.Claim && res.Request.ClaimedAt == nil {
		if _, err := r.store.ClaimRequest(ctx, req.ID); err != nil {
			return Resolution{}, err
		}
	}

	if realContent {
		n, err := r.store.FixPlaceholderEvents(ctx, req.ID, content)
		if err != nil {
			r.logger.Warn("correlation: placeholder repair failed", "request_id", req.ID, "error", err)
		} else if n > 0 {
			r.logger.Info("correlation: repaired placeholder events", "request_id", req.ID, "fixed", n)
		}
		if sig.Announce {
			r.journal.Emit(ctx, persistence.Event{
				RequestID: req.ID,
				State:     string(persistence.RequestReceived),
				Agent:     r.agents.Orchestrator(),
				Message:   fmt.Sprintf("📥 Request from %s: \"%s\"", fromOrDefault(sig.From), shared.Snippet(content, 60)),
			})
		}
	}

	r.logger.Debug("correlation: adopted request", "request_id", req.ID, "via", via)
	return res, nil
}

func (r *Resolver) create(ctx context.Context, sig Signal) (Resolution, error) {
	content := sig.Content
	if content == "" {
		content = shared.Placeholder
	}
	source := sig.Source
	if source == "" {
		source = persistence.SourceAPI
	}
	var claimedAt *time.Time
	if sig.Claim {
		now := time.Now()
		claimedAt = &now
	}
	req, err := r.store.CreateRequest(ctx, persistence.Request{
		Content:     content,
		From:        fromOrDefault(sig.From),
		State:       persistence.RequestReceived,
		AssignedTo:  sig.AssignTo,
		Source:      source,
		TgMessageID: sig.ExternalMessageID,
		ChainID:     sig.ChainID,
		ClaimedAt:   claimedAt,
	})
	if errors.Is(err, persistence.ErrConflict) {
		// Lost a race with another source creating the same external id.
		existing, ferr := r.store.FindByTgMessageID(ctx, sig.ExternalMessageID)
		if ferr != nil || existing == nil {
			return Resolution{}, fmt.Errorf("resolve after conflict: %w", err)
		}
		return r.adopt(ctx, existing, sig, ViaExternalID)
	}
	if err != nil {
		return Resolution{}, err
	}

	r.journal.CountReceived(ctx)
	if content != shared.Placeholder {
		r.journal.Emit(ctx, persistence.Event{
			RequestID: req.ID,
			State:     string(persistence.RequestReceived),
			Agent:     r.agents.Orchestrator(),
			Message:   fmt.Sprintf("📥 Request from %s: \"%s\"", req.From, shared.Snippet(content, 60)),
		})
	}
	r.journal.PublishRequest(ctx, req)
	r.logger.Info("correlation: created request", "request_id", req.ID, "source", source)
	return Resolution{Request: req, Created: true, Via: ViaCreated}, nil
}

// Ensure returns the request the tracker should be working on without ever
// creating one: the tracked request while it is open, else the oldest
// pending request, else the oldest incomplete one. The tracker is updated
// to whatever is found. Returns (nil, nil) when nothing is open.
func (r *Resolver) Ensure(ctx context.Context, tracker *Tracker) (*persistence.Request, error) {
	if id := tracker.Current(); id != "" {
		req, err := r.store.GetRequest(ctx, id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if req != nil && req.State != persistence.RequestCompleted {
			return req, nil
		}
	}
	req, err := r.store.FindOldestPending(ctx, false)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req, err = r.store.FindOldestIncomplete(ctx)
		if err != nil {
			return nil, err
		}
	}
	if req == nil {
		return nil, nil
	}
	tracker.Track(req.ID)
	r.logger.Debug("correlation: tracker adopted request", "request_id", req.ID)
	return req, nil
}

// PreAdopt points a fresh run at the oldest pending request, if any.
func (r *Resolver) PreAdopt(ctx context.Context, tracker *Tracker) (*persistence.Request, error) {
	req, err := r.store.FindOldestPending(ctx, false)
	if err != nil || req == nil {
		return nil, err
	}
	tracker.Track(req.ID)
	return req, nil
}

func fromOrDefault(from string) string {
	if from == "" {
		return "Boss"
	}
	return from
}
