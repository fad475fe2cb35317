package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/milestonebet/internal/domain"
	"github.com/alanyoungcy/milestonebet/internal/parimutuel"
)

// Verifier answers whether a wallet passed identity verification.
type Verifier interface {
	IsVerified(ctx context.Context, address string) (bool, error)
}

// CreateMilestoneInput is a creator's request to publish a milestone.
type CreateMilestoneInput struct {
	TokenAddress string    `json:"token_address"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	TargetDate   time.Time `json:"target_date"`
}

// ErrVerifierUnavailable is returned by Create when the registry cannot be
// reached. Callers may retry.
var ErrVerifierUnavailable = errors.New("verification registry unavailable")

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
)

// MilestoneService publishes milestones and drives their status. Every
// milestone owns exactly one market with the same ID.
type MilestoneService struct {
	engine     *parimutuel.Engine
	milestones domain.MilestoneStore
	markets    *MarketService
	verifier   Verifier
	fx         effects
	logger     *slog.Logger
}

// NewMilestoneService creates a MilestoneService. verifier may be nil, in
// which case creators are not checked.
func NewMilestoneService(
	engine *parimutuel.Engine,
	milestones domain.MilestoneStore,
	markets *MarketService,
	verifier Verifier,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MilestoneService {
	logger = logger.With(slog.String("component", "milestone_service"))
	return &MilestoneService{
		engine:     engine,
		milestones: milestones,
		markets:    markets,
		verifier:   verifier,
		fx:         effects{bus: bus, audit: audit, logger: logger},
		logger:     logger,
	}
}

// Create validates and persists a milestone with its market, then opens the
// market for bets until the target date.
func (s *MilestoneService) Create(ctx context.Context, creator string, in CreateMilestoneInput) (domain.Milestone, error) {
	now := s.engine.Now()
	creatorAddr, token, err := validateCreate(creator, in, now)
	if err != nil {
		return domain.Milestone{}, err
	}

	if s.verifier != nil {
		ok, err := s.verifier.IsVerified(ctx, creatorAddr)
		if err != nil {
			return domain.Milestone{}, fmt.Errorf("milestone_service: verify %s: %w: %w", creatorAddr, ErrVerifierUnavailable, err)
		}
		if !ok {
			return domain.Milestone{}, fmt.Errorf("milestone_service: %s: %w", creatorAddr, domain.ErrNotVerified)
		}
	}

	ms := domain.Milestone{
		ID:           uuid.NewString(),
		TokenAddress: token,
		Title:        strings.TrimSpace(in.Title),
		Description:  strings.TrimSpace(in.Description),
		TargetDate:   in.TargetDate.UTC(),
		Status:       domain.MilestoneStatusPending,
		Creator:      creatorAddr,
		CreatedAt:    now,
	}
	market := domain.Market{
		ID:           ms.ID,
		TokenAddress: token,
		Creator:      creatorAddr,
		Deadline:     ms.TargetDate,
		CreatedAt:    now,
	}

	if err := s.milestones.Create(ctx, ms, market); err != nil {
		return domain.Milestone{}, fmt.Errorf("milestone_service: create: %w", err)
	}
	if _, err := s.engine.Open(market); err != nil {
		s.logger.ErrorContext(ctx, "open market failed after persisting milestone",
			slog.String("milestone_id", ms.ID),
			slog.String("error", err.Error()),
		)
		return domain.Milestone{}, fmt.Errorf("milestone_service: open market: %w", err)
	}

	s.logger.InfoContext(ctx, "milestone created",
		slog.String("milestone_id", ms.ID),
		slog.String("token", token),
		slog.String("creator", creatorAddr),
		slog.Time("target_date", ms.TargetDate),
	)
	s.fx.publish(ctx, domain.ChannelMilestones, domain.Event{
		Type:     domain.EventMilestoneCreated,
		MarketID: ms.ID,
		At:       now,
		Data:     ms,
	})
	s.fx.record(ctx, "milestone.created", map[string]any{
		"market_id": ms.ID,
		"token":     token,
		"creator":   creatorAddr,
		"title":     ms.Title,
	})
	return ms, nil
}

func validateCreate(creator string, in CreateMilestoneInput, now time.Time) (string, string, error) {
	var problems []string
	creatorAddr, ok := normalizeAddress(creator)
	if !ok {
		problems = append(problems, "creator must be a hex address")
	}
	token, ok := normalizeAddress(in.TokenAddress)
	if !ok {
		problems = append(problems, "token_address must be a hex address")
	}
	switch title := strings.TrimSpace(in.Title); {
	case title == "":
		problems = append(problems, "title is required")
	case len(title) > maxTitleLen:
		problems = append(problems, fmt.Sprintf("title exceeds %d characters", maxTitleLen))
	}
	switch desc := strings.TrimSpace(in.Description); {
	case desc == "":
		problems = append(problems, "description is required")
	case len(desc) > maxDescriptionLen:
		problems = append(problems, fmt.Sprintf("description exceeds %d characters", maxDescriptionLen))
	}
	if !in.TargetDate.After(now) {
		problems = append(problems, "target_date must be in the future")
	}
	if len(problems) > 0 {
		return "", "", fmt.Errorf("milestone_service: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidInput)
	}
	return creatorAddr, token, nil
}

// Get returns a milestone.
func (s *MilestoneService) Get(ctx context.Context, id string) (domain.Milestone, error) {
	ms, err := s.milestones.GetByID(ctx, id)
	if err != nil {
		return domain.Milestone{}, fmt.Errorf("milestone_service: get %s: %w", id, err)
	}
	return ms, nil
}

// List returns milestones matching filter.
func (s *MilestoneService) List(ctx context.Context, filter domain.MilestoneFilter, opts domain.ListOpts) ([]domain.Milestone, error) {
	if filter.TokenAddress != "" {
		addr, ok := normalizeAddress(filter.TokenAddress)
		if !ok {
			return nil, fmt.Errorf("milestone_service: token %q: %w", filter.TokenAddress, domain.ErrInvalidInput)
		}
		filter.TokenAddress = addr
	}
	if filter.Creator != "" {
		addr, ok := normalizeAddress(filter.Creator)
		if !ok {
			return nil, fmt.Errorf("milestone_service: creator %q: %w", filter.Creator, domain.ErrInvalidInput)
		}
		filter.Creator = addr
	}
	out, err := s.milestones.List(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("milestone_service: list: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a milestone on behalf of its creator. in_progress is
// allowed from pending before the target date. completed and failed resolve
// the market YES and NO, which requires the target date to have passed.
func (s *MilestoneService) UpdateStatus(ctx context.Context, id, caller string, status domain.MilestoneStatus, proofURL string) (domain.Milestone, error) {
	ms, err := s.Get(ctx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	if !strings.EqualFold(ms.Creator, strings.TrimSpace(caller)) {
		return domain.Milestone{}, fmt.Errorf("milestone_service: update %s by %s: %w", id, caller, domain.ErrUnauthorized)
	}
	if proofURL = strings.TrimSpace(proofURL); proofURL != "" {
		if u, err := url.Parse(proofURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return domain.Milestone{}, fmt.Errorf("milestone_service: proof_url %q: %w", proofURL, domain.ErrInvalidInput)
		}
	}

	now := s.engine.Now()
	switch status {
	case domain.MilestoneStatusInProgress:
		if ms.Status != domain.MilestoneStatusPending {
			return domain.Milestone{}, fmt.Errorf("milestone_service: %s is %s: %w", id, ms.Status, domain.ErrInvalidInput)
		}
		if !now.Before(ms.TargetDate) {
			return domain.Milestone{}, fmt.Errorf("milestone_service: %s target date passed: %w", id, domain.ErrMarketClosed)
		}
		if err := s.milestones.UpdateStatus(ctx, id, status, proofURL); err != nil {
			return domain.Milestone{}, fmt.Errorf("milestone_service: update %s: %w", id, err)
		}

	case domain.MilestoneStatusCompleted, domain.MilestoneStatusFailed:
		if ms.Status.Terminal() {
			return domain.Milestone{}, fmt.Errorf("milestone_service: %s: %w", id, domain.ErrAlreadyResolved)
		}
		m, err := s.markets.Resolve(ctx, id, domain.OutcomeFor(status), caller)
		if err != nil {
			return domain.Milestone{}, err
		}
		ms.CompletedAt = m.ResolvedAt
		if proofURL != "" {
			if err := s.milestones.UpdateStatus(ctx, id, status, proofURL); err != nil {
				s.logger.WarnContext(ctx, "store proof url failed",
					slog.String("milestone_id", id),
					slog.String("error", err.Error()),
				)
			}
		}

	default:
		return domain.Milestone{}, fmt.Errorf("milestone_service: status %q: %w", status, domain.ErrInvalidInput)
	}

	prev := ms.Status
	ms.Status = status
	if proofURL != "" {
		ms.ProofURL = proofURL
	}

	s.logger.InfoContext(ctx, "milestone status updated",
		slog.String("milestone_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(status)),
	)
	s.fx.publish(ctx, domain.ChannelMilestones, domain.Event{
		Type:     domain.EventMilestoneUpdated,
		MarketID: id,
		At:       now,
		Data:     ms,
	})
	s.fx.record(ctx, "milestone.status", map[string]any{
		"market_id": id,
		"from":      string(prev),
		"to":        string(status),
		"proof_url": proofURL,
	})
	return ms, nil
}
