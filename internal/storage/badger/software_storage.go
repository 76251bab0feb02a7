package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// SoftwareStorage implements the SoftwareStorage interface for Badger
type SoftwareStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSoftwareStorage creates a new SoftwareStorage instance
func NewSoftwareStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SoftwareStorage {
	return &SoftwareStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SoftwareStorage) CreateSoftware(ctx context.Context, sw *models.Software) error {
	if sw.Software == "" {
		return fmt.Errorf("software name is required")
	}
	if _, err := s.GetSoftwareByName(ctx, sw.Software); err == nil {
		return interfaces.ErrDuplicateName
	}
	id, err := s.db.NextID("software")
	if err != nil {
		return err
	}
	sw.ID = id
	if err := s.db.Store().Insert(sw.ID, sw); err != nil {
		return fmt.Errorf("failed to create software: %w", err)
	}
	return nil
}

func (s *SoftwareStorage) GetSoftware(ctx context.Context, id uint64) (*models.Software, error) {
	var sw models.Software
	if err := s.db.Store().Get(id, &sw); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get software: %w", err)
	}
	return &sw, nil
}

func (s *SoftwareStorage) GetSoftwareByName(ctx context.Context, name string) (*models.Software, error) {
	var items []models.Software
	if err := s.db.Store().Find(&items, badgerhold.Where("Software").Eq(name).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find software by name: %w", err)
	}
	if len(items) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &items[0], nil
}

func (s *SoftwareStorage) ListSoftware(ctx context.Context) ([]*models.Software, error) {
	var items []models.Software
	if err := s.db.Store().Find(&items, nil); err != nil {
		return nil, fmt.Errorf("failed to list software: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Software < items[j].Software
	})
	return toPointers(items), nil
}

func (s *SoftwareStorage) DeleteSoftware(ctx context.Context, id uint64) error {
	if err := s.db.Store().Delete(id, &models.Software{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete software: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.SoftwareVersion{}, badgerhold.Where("SoftwareID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete software versions: %w", err)
	}
	return nil
}

// CreateSoftwareVersion inserts a new version. A zero Rank is filled in as
// highest existing rank plus 100, leaving room to slot versions in between
// later.
func (s *SoftwareStorage) CreateSoftwareVersion(ctx context.Context, v *models.SoftwareVersion) error {
	if v.SoftwareID == 0 {
		return fmt.Errorf("software ID is required")
	}
	if _, err := s.GetSoftware(ctx, v.SoftwareID); err != nil {
		return err
	}

	if v.Rank == 0 {
		versions, err := s.VersionsBySoftware(ctx, v.SoftwareID)
		if err != nil {
			return err
		}
		highest := 0
		for _, existing := range versions {
			if existing.Rank > highest {
				highest = existing.Rank
			}
		}
		v.Rank = highest + 100
	}

	id, err := s.db.NextID("software_version")
	if err != nil {
		return err
	}
	v.ID = id
	if err := s.db.Store().Insert(v.ID, v); err != nil {
		return fmt.Errorf("failed to create software version: %w", err)
	}
	return nil
}

func (s *SoftwareStorage) GetSoftwareVersion(ctx context.Context, id uint64) (*models.SoftwareVersion, error) {
	var v models.SoftwareVersion
	if err := s.db.Store().Get(id, &v); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get software version: %w", err)
	}
	return &v, nil
}

func (s *SoftwareStorage) GetSoftwareVersions(ctx context.Context, ids []uint64) (map[uint64]*models.SoftwareVersion, error) {
	result := make(map[uint64]*models.SoftwareVersion, len(ids))
	for _, id := range ids {
		if _, ok := result[id]; ok {
			continue
		}
		var v models.SoftwareVersion
		if err := s.db.Store().Get(id, &v); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("failed to get software version %d: %w", id, err)
		}
		result[v.ID] = &v
	}
	return result, nil
}

func (s *SoftwareStorage) VersionsBySoftware(ctx context.Context, softwareID uint64) ([]*models.SoftwareVersion, error) {
	var versions []models.SoftwareVersion
	if err := s.db.Store().Find(&versions, badgerhold.Where("SoftwareID").Eq(softwareID)); err != nil {
		return nil, fmt.Errorf("failed to list versions for software %d: %w", softwareID, err)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Rank < versions[j].Rank
	})
	return toPointers(versions), nil
}

func (s *SoftwareStorage) DeleteSoftwareVersion(ctx context.Context, id uint64) error {
	if err := s.db.Store().Delete(id, &models.SoftwareVersion{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete software version: %w", err)
	}
	return nil
}
