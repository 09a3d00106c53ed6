package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ImageStorage implements the ImageStorage interface for Badger
type ImageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewImageStorage creates a new ImageStorage instance
func NewImageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ImageStorage {
	return &ImageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ImageStorage) SaveImage(ctx context.Context, image *models.Image) error {
	if err := s.db.Store().Upsert(image.ID, *image); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}

	s.logger.Trace().
		Str("image_id", image.ID).
		Str("batch_id", image.BatchID).
		Int("position", image.Position).
		Int("bytes", len(image.Data)).
		Bool("cropped", image.IsCropped).
		Msg("Image saved")
	return nil
}

func (s *ImageStorage) GetImage(ctx context.Context, id string) (*models.Image, error) {
	var image models.Image
	if err := s.db.Store().Get(id, &image); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: image %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return &image, nil
}

// ListImages returns the batch's non-cropped images ordered by position.
// Cropped redo sub-images are fetched individually by id.
func (s *ImageStorage) ListImages(ctx context.Context, batchID string) ([]*models.Image, error) {
	var images []models.Image
	if err := s.db.Store().Find(&images, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	var result []*models.Image
	for i := range images {
		if images[i].IsCropped {
			continue
		}
		result = append(result, &images[i])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Position < result[j].Position
	})
	return result, nil
}

func (s *ImageStorage) CountImages(ctx context.Context, batchID string) (int, error) {
	count, err := s.db.Store().Count(&models.Image{}, badgerhold.Where("BatchID").Eq(batchID))
	if err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return int(count), nil
}

func (s *ImageStorage) DeleteImagesForBatch(ctx context.Context, batchID string) error {
	if err := s.db.Store().DeleteMatching(&models.Image{}, badgerhold.Where("BatchID").Eq(batchID)); err != nil {
		return fmt.Errorf("failed to delete batch images: %w", err)
	}

	s.logger.Trace().Str("batch_id", batchID).Msg("Batch images deleted")
	return nil
}
