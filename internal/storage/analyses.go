package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"renderforge/internal/models"
)

// Analysis operations

func cloneAnalysis(analysis models.Analysis) models.Analysis {
	cloned := analysis
	cloned.Params = cloneAnyMap(analysis.Params)
	cloned.Result = cloneAnyMap(analysis.Result)
	cloned.AccountID = cloneStringPtr(analysis.AccountID)
	cloned.StartedAt = cloneTimePtr(analysis.StartedAt)
	cloned.CompletedAt = cloneTimePtr(analysis.CompletedAt)
	return cloned
}

func (s *Storage) CreateAnalysis(ctx context.Context, analysis models.Analysis) (models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(analysis.UserID) == "" {
		return models.Analysis{}, errors.New("userId is required")
	}
	if strings.TrimSpace(analysis.ProviderID) == "" {
		return models.Analysis{}, errors.New("providerId is required")
	}
	if analysis.Status != "" && analysis.Status != models.GenerationPending {
		return models.Analysis{}, errors.New("new analyses start PENDING")
	}

	prevNext := s.data.NextAnalysisID
	id := prevNext + 1

	analysis.ID = id
	analysis.Status = models.GenerationPending
	analysis.CreatedAt = s.now()

	s.data.NextAnalysisID = id
	s.data.Analyses[id] = cloneAnalysis(analysis)
	if err := s.persist(); err != nil {
		delete(s.data.Analyses, id)
		s.data.NextAnalysisID = prevNext
		return models.Analysis{}, err
	}
	return analysis, nil
}

func (s *Storage) GetAnalysis(ctx context.Context, id int64) (models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	analysis, ok := s.data.Analyses[id]
	if !ok {
		return models.Analysis{}, ErrNotFound
	}
	return cloneAnalysis(analysis), nil
}

func (s *Storage) ListProcessingAnalyses(ctx context.Context) ([]models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Analysis, 0)
	for _, analysis := range s.data.Analyses {
		if analysis.Status == models.GenerationProcessing {
			matches = append(matches, analysis)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		left, right := matches[i].StartedAt, matches[j].StartedAt
		switch {
		case left == nil && right == nil:
			return matches[i].ID < matches[j].ID
		case left == nil:
			return false
		case right == nil:
			return true
		case !left.Equal(*right):
			return left.Before(*right)
		default:
			return matches[i].ID < matches[j].ID
		}
	})

	out := make([]models.Analysis, 0, len(matches))
	for _, analysis := range matches {
		out = append(out, cloneAnalysis(analysis))
	}
	return out, nil
}

func (s *Storage) ListStalePendingAnalyses(ctx context.Context, olderThan time.Time, limit int) ([]models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Analysis, 0)
	for _, analysis := range s.data.Analyses {
		if analysis.Status != models.GenerationPending {
			continue
		}
		if analysis.CreatedAt.After(olderThan) {
			continue
		}
		matches = append(matches, analysis)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}

	out := make([]models.Analysis, 0, len(matches))
	for _, analysis := range matches {
		out = append(out, cloneAnalysis(analysis))
	}
	return out, nil
}

func (s *Storage) MarkAnalysisProcessing(ctx context.Context, id int64, accountID string, startedAt time.Time) (models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	analysis, ok := s.data.Analyses[id]
	if !ok {
		return models.Analysis{}, ErrNotFound
	}
	if !models.CanTransition(analysis.Status, models.GenerationProcessing) {
		return models.Analysis{}, ErrConflict
	}
	if strings.TrimSpace(accountID) == "" {
		return models.Analysis{}, errors.New("accountId is required")
	}

	prev := analysis
	started := startedAt.UTC()
	analysis.Status = models.GenerationProcessing
	analysis.AccountID = &accountID
	analysis.StartedAt = &started

	s.data.Analyses[id] = analysis
	if err := s.persist(); err != nil {
		s.data.Analyses[id] = prev
		return models.Analysis{}, err
	}
	return cloneAnalysis(analysis), nil
}

func (s *Storage) SetAnalysisProviderJob(ctx context.Context, id int64, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	analysis, ok := s.data.Analyses[id]
	if !ok {
		return ErrNotFound
	}

	prev := analysis
	analysis.ProviderJobID = strings.TrimSpace(providerJobID)

	s.data.Analyses[id] = analysis
	if err := s.persist(); err != nil {
		s.data.Analyses[id] = prev
		return err
	}
	return nil
}

func (s *Storage) MarkAnalysisCompleted(ctx context.Context, id int64, result map[string]any, completedAt time.Time) (models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	analysis, ok := s.data.Analyses[id]
	if !ok {
		return models.Analysis{}, ErrNotFound
	}
	if !models.CanTransition(analysis.Status, models.GenerationCompleted) {
		return models.Analysis{}, ErrConflict
	}

	prev := analysis
	completed := completedAt.UTC()
	analysis.Status = models.GenerationCompleted
	analysis.Result = cloneAnyMap(result)
	analysis.CompletedAt = &completed
	analysis.ErrorMessage = ""

	s.data.Analyses[id] = analysis
	if err := s.persist(); err != nil {
		s.data.Analyses[id] = prev
		return models.Analysis{}, err
	}
	return cloneAnalysis(analysis), nil
}

func (s *Storage) MarkAnalysisFailed(ctx context.Context, id int64, message string, failedAt time.Time) (models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	analysis, ok := s.data.Analyses[id]
	if !ok {
		return models.Analysis{}, ErrNotFound
	}
	if !models.CanTransition(analysis.Status, models.GenerationFailed) {
		return models.Analysis{}, ErrConflict
	}

	prev := analysis
	failed := failedAt.UTC()
	analysis.Status = models.GenerationFailed
	analysis.ErrorMessage = strings.TrimSpace(message)
	analysis.CompletedAt = &failed

	s.data.Analyses[id] = analysis
	if err := s.persist(); err != nil {
		s.data.Analyses[id] = prev
		return models.Analysis{}, err
	}
	return cloneAnalysis(analysis), nil
}
