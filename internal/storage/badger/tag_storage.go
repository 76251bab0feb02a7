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

// TagStorage implements the TagStorage interface for Badger
type TagStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTagStorage creates a new TagStorage instance
func NewTagStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TagStorage {
	return &TagStorage{
		db:     db,
		logger: logger,
	}
}

// EnsureTag returns the existing tag of that name or creates it. Posting a
// tag twice is not an error.
func (s *TagStorage) EnsureTag(ctx context.Context, name string) (*models.Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("tag name is required")
	}

	existing, err := s.GetTagByName(ctx, name)
	if err == nil {
		return existing, nil
	}
	if err != interfaces.ErrNotFound {
		return nil, err
	}

	id, err := s.db.NextID("tag")
	if err != nil {
		return nil, err
	}
	tag := &models.Tag{ID: id, Tag: name}
	if err := s.db.Store().Insert(tag.ID, tag); err != nil {
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}
	return tag, nil
}

func (s *TagStorage) GetTag(ctx context.Context, id uint64) (*models.Tag, error) {
	var tag models.Tag
	if err := s.db.Store().Get(id, &tag); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}
	return &tag, nil
}

func (s *TagStorage) GetTagByName(ctx context.Context, name string) (*models.Tag, error) {
	var tags []models.Tag
	if err := s.db.Store().Find(&tags, badgerhold.Where("Tag").Eq(name).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find tag by name: %w", err)
	}
	if len(tags) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &tags[0], nil
}

func (s *TagStorage) ListTags(ctx context.Context) ([]*models.Tag, error) {
	var tags []models.Tag
	if err := s.db.Store().Find(&tags, nil); err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].Tag < tags[j].Tag
	})
	return toPointers(tags), nil
}

func (s *TagStorage) DeleteTag(ctx context.Context, id uint64) error {
	if err := s.db.Store().Delete(id, &models.Tag{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	return nil
}
