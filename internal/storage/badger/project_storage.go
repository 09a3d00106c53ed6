package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ProjectStorage implements the ProjectStorage interface for Badger
type ProjectStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewProjectStorage creates a new ProjectStorage instance
func NewProjectStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ProjectStorage {
	return &ProjectStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ProjectStorage) SaveProject(ctx context.Context, project *models.Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	// IMPORTANT: Dereference pointer when upserting. BadgerHold derives
	// the key prefix from the concrete type name.
	if err := s.db.Store().Upsert(project.ID, *project); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	s.logger.Trace().
		Str("project_id", project.ID).
		Str("user_id", project.UserID).
		Int("columns", len(project.Columns)).
		Msg("Project saved")
	return nil
}

func (s *ProjectStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	if err := s.db.Store().Get(id, &project); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: project %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

func (s *ProjectStorage) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	var projects []models.Project
	var err error
	if userID != "" {
		err = s.db.Store().Find(&projects, badgerhold.Where("UserID").Eq(userID))
	} else {
		err = s.db.Store().Find(&projects, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})

	result := make([]*models.Project, len(projects))
	for i := range projects {
		result[i] = &projects[i]
	}
	return result, nil
}

// DeleteProject removes the project and every dependent record: batches
// with their rows and images, queue jobs (including lease index
// entries), and metrics, all in one transaction.
func (s *ProjectStorage) DeleteProject(ctx context.Context, id string) error {
	store := s.db.Store()

	err := store.Badger().Update(func(txn *badgerdb.Txn) error {
		var project models.Project
		if err := store.TxGet(txn, id, &project); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: project %s", models.ErrNotFound, id)
			}
			return err
		}

		var batches []models.ImageBatch
		if err := store.TxFind(txn, &batches, badgerhold.Where("ProjectID").Eq(id)); err != nil {
			return err
		}
		for i := range batches {
			if err := deleteBatchTx(store, txn, batches[i].ID); err != nil {
				return err
			}
		}

		var jobs []models.QueueJob
		if err := store.TxFind(txn, &jobs, badgerhold.Where("ProjectID").Eq(id)); err != nil {
			return err
		}
		for i := range jobs {
			if jobs[i].Status == models.JobStatusQueued {
				key := readyKey(jobs[i].Priority, jobs[i].CreatedAt, jobs[i].ID)
				if err := txn.Delete(key); err != nil && err != badgerdb.ErrKeyNotFound {
					return err
				}
			}
		}
		if err := store.TxDeleteMatching(txn, &models.QueueJob{}, badgerhold.Where("ProjectID").Eq(id)); err != nil {
			return err
		}

		if err := store.TxDeleteMatching(txn, &models.ProcessingMetric{}, badgerhold.Where("ProjectID").Eq(id)); err != nil {
			return err
		}

		return store.TxDelete(txn, id, &models.Project{})
	})
	if err != nil {
		return wrapStore("delete project", err)
	}

	s.logger.Debug().Str("project_id", id).Msg("Project deleted")
	return nil
}
