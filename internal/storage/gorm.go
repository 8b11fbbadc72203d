package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
)

// GormComponent owns the MySQL connection pool shared by the gorm stores.
type GormComponent struct {
	*core.BaseComponent
	cfg config.MySQLConfig
	db  *gorm.DB
}

func NewGormComponent(cfg config.MySQLConfig) *GormComponent {
	return &GormComponent{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_GORM, consts.COMPONENT_LOGGING),
		cfg:           cfg,
	}
}

func (gc *GormComponent) Start(ctx context.Context) error {
	if err := gc.BaseComponent.Start(ctx); err != nil {
		return err
	}

	db, err := gorm.Open(mysql.Open(gc.cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(gc.cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(gc.cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(gc.cfg.ConnMaxLifeSec) * time.Second)

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&model.JobRecord{}, &model.ScheduledTask{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	gc.db = db
	logging.Info(ctx, "gorm component started")
	return nil
}

func (gc *GormComponent) Stop(ctx context.Context) error {
	defer gc.BaseComponent.Stop(ctx)
	if gc.db != nil {
		if sqlDB, err := gc.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return nil
}

func (gc *GormComponent) HealthCheck() error {
	if err := gc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if gc.db == nil {
		return fmt.Errorf("gorm db not initialized")
	}
	sqlDB, err := gc.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (gc *GormComponent) DB() *gorm.DB { return gc.db }

// GormJobStore implements JobStore over MySQL. All transitions are single
// guarded UPDATEs; RowsAffected carries the guard result. The store holds
// the component rather than the DB so it can be wired before Start opens
// the pool.
type GormJobStore struct{ gc *GormComponent }

func NewGormJobStore(gc *GormComponent) *GormJobStore { return &GormJobStore{gc: gc} }

func (s *GormJobStore) db() *gorm.DB { return s.gc.db }

func (s *GormJobStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	var rec model.JobRecord
	err := s.db().WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormJobStore) List(ctx context.Context, f JobFilter) ([]*model.JobRecord, error) {
	q := s.db().WithContext(ctx).Model(&model.JobRecord{})
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if f.HandlerName != "" {
		q = q.Where("handler_name = ?", f.HandlerName)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []*model.JobRecord
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormJobStore) Insert(ctx context.Context, rec *model.JobRecord) error {
	return s.db().WithContext(ctx).Create(rec).Error
}

func (s *GormJobStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	res := s.db().WithContext(ctx).Model(&model.JobRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormJobStore) Delete(ctx context.Context, id string) error {
	res := s.db().WithContext(ctx).Where("id = ?", id).Delete(&model.JobRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormJobStore) NextQueued(ctx context.Context, handlerName string, now time.Time) (*model.JobRecord, error) {
	var rec model.JobRecord
	err := s.db().WithContext(ctx).
		Where("handler_name = ? AND status = ? AND run_at <= ?", handlerName, model.JobQueued, now).
		Order("priority DESC, created_at ASC, id ASC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormJobStore) Transition(ctx context.Context, id string, from, to model.JobStatus, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.db().WithContext(ctx).Model(&model.JobRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1 && res.Error == nil, res.Error
}

// GormTaskStore implements TaskStore over MySQL.
type GormTaskStore struct{ gc *GormComponent }

func NewGormTaskStore(gc *GormComponent) *GormTaskStore { return &GormTaskStore{gc: gc} }

func (s *GormTaskStore) db() *gorm.DB { return s.gc.db }

func (s *GormTaskStore) Get(ctx context.Context, id string) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	err := s.db().WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *GormTaskStore) List(ctx context.Context, f TaskFilter) ([]*model.ScheduledTask, error) {
	q := s.db().WithContext(ctx).Model(&model.ScheduledTask{})
	if f.EnabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []*model.ScheduledTask
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormTaskStore) Insert(ctx context.Context, task *model.ScheduledTask) error {
	return s.db().WithContext(ctx).Create(task).Error
}

func (s *GormTaskStore) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	res := s.db().WithContext(ctx).Model(&model.ScheduledTask{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormTaskStore) Delete(ctx context.Context, id string) error {
	res := s.db().WithContext(ctx).Where("id = ?", id).Delete(&model.ScheduledTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
