// Package memory is an in-memory Repository used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/repo"
)

// Store implements repo.Repository over process memory.
type Store struct {
	mu         sync.RWMutex
	properties map[string]*domain.Property
	reports    map[string]*domain.DailyReport
}

// New creates an empty store.
func New() *Store {
	return &Store{
		properties: make(map[string]*domain.Property),
		reports:    make(map[string]*domain.DailyReport),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Create(ctx context.Context, p *domain.Property) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[p.PropertyID]; ok {
		return "", repo.ErrAlreadyExists
	}
	cp := clone(p)
	s.properties[p.PropertyID] = cp
	return p.PropertyID, nil
}

func (s *Store) Upsert(ctx context.Context, p *domain.Property) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.properties[p.PropertyID]
	if !ok {
		cp := clone(p)
		if cp.LastUpdated.Before(cp.FirstSeen) {
			cp.LastUpdated = cp.FirstSeen
		}
		s.properties[p.PropertyID] = cp
		return p.PropertyID, true, nil
	}
	s.properties[p.PropertyID] = repo.Merge(existing, p)
	return p.PropertyID, false, nil
}

func (s *Store) GetByID(ctx context.Context, propertyID string) (*domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[propertyID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) SearchByZipcode(ctx context.Context, zip string, limit int, includeInactive bool) ([]*domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Property
	for _, p := range s.properties {
		if p.Address.Zipcode != zip {
			continue
		}
		if !includeInactive && !p.IsActive {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecentUpdates(ctx context.Context, within time.Duration, limit int) ([]*domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-within)
	var out []*domain.Property
	for _, p := range s.properties {
		if p.LastUpdated.After(cutoff) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendPrice(ctx context.Context, propertyID string, obs domain.PriceObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.properties[propertyID]
	if !ok {
		return false, nil
	}
	p.AddPrice(obs)
	p.LastUpdated = time.Now().UTC()
	return true, nil
}

func (s *Store) PriceStats(ctx context.Context, zip string) (repo.ZipPriceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats repo.ZipPriceStats
	for _, p := range s.properties {
		if p.Address.Zipcode != zip || p.CurrentPrice == nil {
			continue
		}
		v := *p.CurrentPrice
		if stats.Count == 0 || v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
		stats.Avg += v
		stats.Count++
	}
	if stats.Count > 0 {
		stats.Avg /= float64(stats.Count)
	}
	return stats, nil
}

func (s *Store) UpsertDailyReport(ctx context.Context, r *domain.DailyReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reports[r.Date] = &cp
	return r.Date, nil
}

func (s *Store) GetDailyReport(ctx context.Context, date string) (*domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[date]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Report returns the stored report for a date, for test assertions.
func (s *Store) Report(date string) *domain.DailyReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reports[date]
}

// Len returns the number of stored properties.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.properties)
}

func clone(p *domain.Property) *domain.Property {
	cp := *p
	cp.PriceHistory = append([]domain.PriceObservation(nil), p.PriceHistory...)
	cp.Provenance = append([]domain.CollectionProvenance(nil), p.Provenance...)
	cp.SaleHistory = append([]domain.SaleRecord(nil), p.SaleHistory...)
	if p.RawData != nil {
		cp.RawData = make(map[string]interface{}, len(p.RawData))
		for k, v := range p.RawData {
			cp.RawData[k] = v
		}
	}
	return &cp
}
