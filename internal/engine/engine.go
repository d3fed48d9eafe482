// File: internal/engine/engine.go

// Package engine orchestrates recon imports: each batch is scored and
// normalized concurrently, then committed target by target, serialized per
// session. It also routes the mutation paths that have to keep the timeline,
// the graph cache, and live listeners in step with the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/cache"
	"github.com/nullmap-sec/riskgraph/internal/config"
	"github.com/nullmap-sec/riskgraph/internal/normalize"
	"github.com/nullmap-sec/riskgraph/internal/scoring"
	"github.com/nullmap-sec/riskgraph/internal/store"
	"github.com/nullmap-sec/riskgraph/internal/timeline"
)

// Broadcaster pushes engine milestones to live listeners; the websocket hub
// implements it.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// NopBroadcaster discards broadcasts, for deployments without live listeners.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(eventType string, data interface{}) {}

// Importer coordinates every write into a session: batch imports, manual
// findings, and the cascade deletes.
type Importer struct {
	store       store.Repository
	eval        *scoring.Evaluator
	norm        *normalize.Normalizer
	timeline    *timeline.Recorder
	hub         Broadcaster
	cache       cache.GraphCache
	locks       *sessionLocks
	concurrency int
	log         *zap.Logger
}

// New wires an importer. The recorder must be non-nil; hub and graph cache
// may be nil and default to no-ops.
func New(
	repo store.Repository,
	eval *scoring.Evaluator,
	norm *normalize.Normalizer,
	recorder *timeline.Recorder,
	hub Broadcaster,
	graphCache cache.GraphCache,
	cfg config.ImportConfig,
	logger *zap.Logger,
) *Importer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	if hub == nil {
		hub = NopBroadcaster{}
	}
	if graphCache == nil {
		graphCache = cache.Nop{}
	}

	return &Importer{
		store:       repo,
		eval:        eval,
		norm:        norm,
		timeline:    recorder,
		hub:         hub,
		cache:       graphCache,
		locks:       newSessionLocks(),
		concurrency: concurrency,
		log:         logger.Named("engine"),
	}
}

// Import scores, normalizes, and commits a batch of target records into an
// existing session.
func (i *Importer) Import(ctx context.Context, sessionID string, records []schemas.TargetRecord) (schemas.ImportResult, error) {
	sess, err := i.store.GetSession(ctx, sessionID)
	if err != nil {
		return schemas.ImportResult{}, err
	}
	return i.runImport(ctx, sess, records)
}

// ImportByName resolves the named session, creating it on first use, then
// imports the batch into it.
func (i *Importer) ImportByName(ctx context.Context, name, rootDomain string, records []schemas.TargetRecord) (schemas.Session, schemas.ImportResult, error) {
	sess, err := i.resolveSession(ctx, name, rootDomain)
	if err != nil {
		return schemas.Session{}, schemas.ImportResult{}, err
	}
	result, err := i.runImport(ctx, sess, records)
	return sess, result, err
}

// EvaluateRisk scores a single record without persisting anything.
func (i *Importer) EvaluateRisk(rec schemas.TargetRecord) (scoring.Evaluation, error) {
	if err := normalize.Validate(rec); err != nil {
		return scoring.Evaluation{}, err
	}
	return i.eval.Evaluate(rec), nil
}

// resolveSession fetches the named session or creates it. Two importers may
// race the create; the loser adopts the winner's row.
func (i *Importer) resolveSession(ctx context.Context, name, rootDomain string) (schemas.Session, error) {
	sess, err := i.store.GetSessionByName(ctx, name)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return schemas.Session{}, err
	}

	sess, err = i.store.CreateSession(ctx, name, rootDomain)
	if errors.Is(err, store.ErrDuplicateSession) {
		return i.store.GetSessionByName(ctx, name)
	}
	if err != nil {
		return schemas.Session{}, err
	}

	i.timeline.Record(schemas.Event{
		SessionID: sess.ID,
		Kind:      schemas.EventSessionCreated,
		Message:   fmt.Sprintf("session %s created", sess.Name),
	})
	return sess, nil
}

func (i *Importer) runImport(ctx context.Context, sess schemas.Session, records []schemas.TargetRecord) (schemas.ImportResult, error) {
	result := schemas.ImportResult{SessionID: sess.ID}
	if len(records) == 0 {
		return result, nil
	}

	lock := i.locks.forSession(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	// Phase one: score and normalize concurrently. A failure stays with its
	// slot; one bad record never aborts the batch.
	updates := make([]*schemas.TargetUpdate, len(records))
	recErrs := make([]error, len(records))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for idx, rec := range records {
		// Capture per-iteration copies for the goroutine below.
		idx, rec := idx, rec
		g.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				recErrs[idx] = err
				return nil
			}
			updates[idx], recErrs[idx] = i.normalizeRecord(sess.RootDomain, rec)
			return nil
		})
	}
	_ = g.Wait() // Workers never return errors; failures live in recErrs.

	pending := 0
	for _, update := range updates {
		if update != nil {
			pending++
		}
	}

	// Seed the root-domain node before any commit so subdomain edges always
	// have their far endpoint. Insert-if-absent: a root already scored by its
	// own import keeps its risk.
	root := strings.TrimSpace(sess.RootDomain)
	if pending > 0 && root != "" {
		if err := i.store.EnsureNodes(ctx, sess.ID, []schemas.NodeInput{i.norm.RootNode(root)}); err != nil {
			return result, fmt.Errorf("failed to seed root domain node: %w", err)
		}
	}

	// Phase two: commit sequentially, one transaction per target.
	for idx, update := range updates {
		if update == nil {
			continue
		}
		target, err := i.store.CommitTarget(ctx, sess.ID, update)
		if err != nil {
			recErrs[idx] = err
			continue
		}
		result.Imported++
		i.timeline.Record(schemas.Event{
			SessionID: sess.ID,
			TargetID:  target.ID,
			Kind:      schemas.EventTargetImported,
			Message:   fmt.Sprintf("target %s imported at %s risk (score %d)", target.Domain, target.Severity, target.RiskScore),
		})
	}

	for idx, err := range recErrs {
		if err == nil {
			continue
		}
		domain := strings.TrimSpace(records[idx].Domain)
		label := domain
		if label == "" {
			label = "(no domain)"
		}
		result.Errors = append(result.Errors, schemas.TargetError{Domain: domain, Error: err.Error()})
		i.timeline.Record(schemas.Event{
			SessionID: sess.ID,
			Kind:      schemas.EventTargetFailed,
			Message:   fmt.Sprintf("target %s failed: %v", label, err),
		})
	}

	if result.Imported > 0 {
		i.invalidate(ctx, sess.ID)
	}
	i.hub.Broadcast("import_completed", result)

	i.log.Info("Import batch finished",
		zap.String("session_id", sess.ID),
		zap.Int("imported", result.Imported),
		zap.Int("failed", len(result.Errors)),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

func (i *Importer) normalizeRecord(rootDomain string, rec schemas.TargetRecord) (*schemas.TargetUpdate, error) {
	if err := normalize.Validate(rec); err != nil {
		return nil, err
	}
	eval := i.eval.Evaluate(rec)
	update, err := i.norm.Normalize(rootDomain, rec, &eval)
	if err != nil {
		return nil, err
	}
	return &update, nil
}

// AddFinding stores a manual finding and notes it on the timeline.
func (i *Importer) AddFinding(ctx context.Context, input schemas.FindingInput) (schemas.Finding, error) {
	f, err := i.store.AddFinding(ctx, input)
	if err != nil {
		return schemas.Finding{}, err
	}

	i.timeline.Record(schemas.Event{
		SessionID: f.SessionID,
		TargetID:  f.TargetID,
		FindingID: f.ID,
		Kind:      schemas.EventFindingAdded,
		Message:   fmt.Sprintf("%s finding added: %s", f.Severity, f.Description),
	})
	i.hub.Broadcast("finding_added", f)
	return f, nil
}

// GetGraph serves the session graph, preferring the cached snapshot.
func (i *Importer) GetGraph(ctx context.Context, sessionID string) (schemas.Graph, error) {
	graph, ok, err := i.cache.GetGraph(ctx, sessionID)
	if err != nil {
		i.log.Warn("Graph cache read failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if ok {
		return graph, nil
	}

	graph, err = i.store.GetGraph(ctx, sessionID)
	if err != nil {
		return schemas.Graph{}, err
	}
	if err := i.cache.SetGraph(ctx, sessionID, graph); err != nil {
		i.log.Warn("Graph cache write failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return graph, nil
}

// DeleteSession removes a session and everything it owns. Its timeline goes
// with it, so no event is recorded.
func (i *Importer) DeleteSession(ctx context.Context, id string) error {
	lock := i.locks.forSession(id)
	lock.Lock()
	defer lock.Unlock()

	if err := i.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	i.invalidate(ctx, id)
	i.hub.Broadcast("session_deleted", map[string]string{"session_id": id})
	i.log.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// DeleteTarget removes one target and the graph nodes only it references.
// The timeline entry is session-scoped: an event tied to the target row
// would cascade away with it.
func (i *Importer) DeleteTarget(ctx context.Context, id string) error {
	target, err := i.store.GetTarget(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("target %s: %w", id, store.ErrCascadeConflict)
		}
		return err
	}

	lock := i.locks.forSession(target.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := i.store.DeleteTarget(ctx, id); err != nil {
		return err
	}

	i.timeline.Record(schemas.Event{
		SessionID: target.SessionID,
		Kind:      schemas.EventTargetDeleted,
		Message:   fmt.Sprintf("target %s deleted", target.Domain),
	})
	i.invalidate(ctx, target.SessionID)
	i.hub.Broadcast("target_deleted", map[string]string{
		"session_id": target.SessionID,
		"target_id":  id,
	})
	return nil
}

// ClearGraph drops the session's graph while keeping targets and findings.
func (i *Importer) ClearGraph(ctx context.Context, sessionID string) error {
	lock := i.locks.forSession(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := i.store.ClearGraph(ctx, sessionID); err != nil {
		return err
	}

	i.timeline.Record(schemas.Event{
		SessionID: sessionID,
		Kind:      schemas.EventGraphCleared,
		Message:   "graph cleared",
	})
	i.invalidate(ctx, sessionID)
	i.hub.Broadcast("graph_cleared", map[string]string{"session_id": sessionID})
	return nil
}

func (i *Importer) invalidate(ctx context.Context, sessionID string) {
	if err := i.cache.Invalidate(ctx, sessionID); err != nil {
		i.log.Warn("Failed to invalidate graph cache", zap.String("session_id", sessionID), zap.Error(err))
	}
}
