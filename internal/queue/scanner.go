package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/sortid"
	"pkt.systems/objq/internal/storage"
)

// Claim modes reported in metrics.
const (
	modeNext = "next"
	modeByID = "by_id"
)

// claimNext pages through the container listing, grouping keys by message,
// and claims the first Available message.
//
// Groups may straddle page boundaries, so the trailing group of a page is
// held until the next page shows a different message id or the listing ends.
// Errors confined to one candidate are logged and the scan moves on; listing
// errors abort the scan. Claiming is not atomic: two scans may claim the same
// message concurrently, and consumers must tolerate redelivery.
func (s *Service) claimNext(ctx context.Context, ref storage.ContainerRef, queue string, lease time.Duration) (*Message, bool, error) {
	logger := s.log(ctx).With("queue", queue)
	read := storeExpiryReader(s.store, ref, claimMarkerMaxBytes)
	opts := storage.ListOptions{Limit: s.cfg.Limits.ListingLimit}
	pages := 0
	var current *Group

	visit := func(g *Group) (*Message, bool, error) {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		return s.tryClaim(ctx, logger, ref, queue, g, read, lease, modeNext)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		page, err := s.store.ListObjects(ctx, ref, opts)
		if errors.Is(err, storage.ErrContainerNotFound) {
			s.metrics.recordScan(ctx, queue, pages, false)
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("list %s: %w", ref, err)
		}
		pages++
		for _, obj := range page.Objects {
			key, err := ParseKey(obj.Key)
			if err != nil {
				logger.Warn("queue.scan.skip", "key", obj.Key, "reason", "malformed_key", "error", err)
				s.metrics.addSkipped(ctx, queue, "malformed_key")
				continue
			}
			if current != nil && current.ID != key.MessageID {
				msg, ok, err := visit(current)
				if err != nil {
					return nil, false, err
				}
				if ok {
					s.metrics.recordScan(ctx, queue, pages, true)
					return msg, true, nil
				}
				current = nil
			}
			if current == nil {
				current = &Group{ID: key.MessageID}
			}
			current.Add(key)
		}
		if !page.Truncated || len(page.Objects) == 0 {
			break
		}
		next := page.NextStartAfter
		if next == "" {
			next = page.Objects[len(page.Objects)-1].Key
		}
		opts.StartAfter = next
	}
	if current != nil {
		msg, ok, err := visit(current)
		if err != nil {
			return nil, false, err
		}
		if ok {
			s.metrics.recordScan(ctx, queue, pages, true)
			return msg, true, nil
		}
	}
	s.metrics.recordScan(ctx, queue, pages, false)
	logger.Trace("queue.claim.empty", "pages", pages)
	return nil, false, nil
}

// claimByID resolves a single message from a listing of its own prefix.
func (s *Service) claimByID(ctx context.Context, ref storage.ContainerRef, queue, id string, lease time.Duration) (*Message, error) {
	logger := s.log(ctx).With("queue", queue, "mid", id)
	objs, err := storage.ListAll(ctx, s.store, ref, storage.ListOptions{
		Prefix: MessagePrefix(id),
		Limit:  s.cfg.Limits.ListingLimit,
	})
	if errors.Is(err, storage.ErrContainerNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", id, err)
	}
	group := Group{ID: id}
	for _, obj := range objs {
		key, err := ParseKey(obj.Key)
		if err != nil || key.MessageID != id {
			continue
		}
		group.Add(key)
	}
	read := storeExpiryReader(s.store, ref, claimMarkerMaxBytes)
	res, err := Resolve(ctx, group, read, s.clk.Now())
	s.reportMalformed(ctx, logger, queue, res.Malformed)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	switch res.State {
	case StateDeleted, StateMissing:
		logger.Debug("queue.claim_by_id.not_found", "state", res.State.String())
		return nil, ErrNotFound
	case StatePending:
		logger.Debug("queue.claim_by_id.leased", "expires_at", res.ExpiresAt)
		return nil, fmt.Errorf("%w: message %s is claimed until %s", ErrConflict, id, res.ExpiresAt.Format(time.RFC3339))
	}
	msg, err := s.claim(ctx, ref, queue, id, lease)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.metrics.addClaimed(ctx, queue, modeByID)
	logger.Debug("queue.claim_by_id.success", "claim", msg.ClaimKey, "expires_at", msg.ExpiresAt)
	return msg, nil
}

// tryClaim resolves g and claims it when Available. ok is false when the
// candidate was skipped.
func (s *Service) tryClaim(ctx context.Context, logger pslog.Logger, ref storage.ContainerRef, queue string, g *Group, read ExpiryReader, lease time.Duration, mode string) (*Message, bool, error) {
	res, err := Resolve(ctx, *g, read, s.clk.Now())
	s.reportMalformed(ctx, logger, queue, res.Malformed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		logger.Warn("queue.scan.skip", "mid", g.ID, "reason", "resolve_failed", "claim", res.ClaimKey, "error", err)
		s.metrics.addSkipped(ctx, queue, "resolve_failed")
		return nil, false, nil
	}
	if res.State != StateAvailable {
		logger.Trace("queue.scan.skip", "mid", g.ID, "reason", res.State.String())
		s.metrics.addSkipped(ctx, queue, res.State.String())
		return nil, false, nil
	}
	msg, err := s.claim(ctx, ref, queue, g.ID, lease)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Warn("queue.scan.skip", "mid", g.ID, "reason", "payload_vanished")
		s.metrics.addSkipped(ctx, queue, "payload_vanished")
		return nil, false, nil
	case errors.Is(err, ErrConflict):
		logger.Warn("queue.scan.skip", "mid", g.ID, "reason", "claim_conflict", "error", err)
		s.metrics.addSkipped(ctx, queue, "claim_conflict")
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	s.metrics.addClaimed(ctx, queue, mode)
	logger.Debug("queue.claim.success", "mid", msg.ID, "claim", msg.ClaimKey, "expires_at", msg.ExpiresAt)
	return msg, true, nil
}

func (s *Service) reportMalformed(ctx context.Context, logger pslog.Logger, queue string, keys []string) {
	for _, key := range keys {
		logger.Warn("queue.claim.marker_ignored", "claim", key, "reason", "malformed")
		s.metrics.addSkipped(ctx, queue, "malformed_marker")
	}
}

// claim writes a fresh claim marker for id and returns the payload.
func (s *Service) claim(ctx context.Context, ref storage.ContainerRef, queue, id string, lease time.Duration) (*Message, error) {
	claimKey := ClaimKey(id, s.ids.Next())
	if err := s.checkKeyLength(claimKey); err != nil {
		return nil, err
	}
	expires := s.clk.Now().Add(lease)
	body, err := encodeClaim(expires)
	if err != nil {
		return nil, fmt.Errorf("encode claim %s: %w", claimKey, err)
	}
	if _, err := s.store.PutObject(ctx, ref, claimKey, bytes.NewReader(body), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: claim marker %s exists", ErrConflict, claimKey)
		}
		return nil, fmt.Errorf("write claim %s: %w", claimKey, err)
	}
	payload, contentType, err := s.readPayload(ctx, ref, id)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:          id,
		Queue:       queue,
		ClaimKey:    claimKey,
		Body:        payload,
		ContentType: contentType,
		ExpiresAt:   expires,
	}
	if ts, err := sortid.Time(id); err == nil {
		msg.EnqueuedAt = ts
	}
	return msg, nil
}
