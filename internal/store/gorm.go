package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"factorlab/internal/domain"
)

// Compile-time interface checks.
var _ CombinationStore = (*GormStore)(nil)
var _ ResultStore = (*GormStore)(nil)

// GormStore implements CombinationStore and ResultStore on MySQL through
// GORM. The schema is created with AutoMigrate.
type GormStore struct {
	db *gorm.DB
}

// CombinationModel is the table row for a factor combination.
type CombinationModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:128;uniqueIndex"`
	Description string `gorm:"type:text"`
	CreatedBy   string `gorm:"size:64"`
	Factors     string `gorm:"type:longtext"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the table name.
func (CombinationModel) TableName() string { return "combinations" }

// ResultModel is the table row for a backtest result.
type ResultModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	ConfigID        string `gorm:"size:36"`
	CombinationID   string `gorm:"size:36;index"`
	CombinationName string `gorm:"size:128"`
	StockCode       string `gorm:"size:16;index:idx_results_stock"`
	TotalReturn     float64
	CompletedAt     time.Time `gorm:"index:idx_results_stock"`
	Payload         string    `gorm:"type:longtext"`
}

// TableName pins the table name.
func (ResultModel) TableName() string { return "backtest_results" }

// NewGormStore connects to MySQL with the given DSN and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewGormStoreFromDB(db)
}

// NewGormStoreFromDB wraps an open GORM handle and migrates the schema.
func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&CombinationModel{}, &ResultModel{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---------------------------------------------------------------------------
// CombinationStore implementation
// ---------------------------------------------------------------------------

// SaveCombination upserts a combination by primary key.
func (s *GormStore) SaveCombination(ctx context.Context, c *domain.Combination) error {
	prepareCombination(c, time.Now().UTC())
	m, err := combinationToModel(c)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving combination %q: %w", c.Name, err)
	}
	return nil
}

// GetCombination retrieves a combination by ID.
func (s *GormStore) GetCombination(ctx context.Context, id string) (*domain.Combination, error) {
	var m CombinationModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("combination %s: %w", id, notFound(err))
	}
	return m.toDomain()
}

// GetCombinationByName retrieves a combination by its unique name.
func (s *GormStore) GetCombinationByName(ctx context.Context, name string) (*domain.Combination, error) {
	var m CombinationModel
	if err := s.db.WithContext(ctx).First(&m, "name = ?", name).Error; err != nil {
		return nil, fmt.Errorf("combination %q: %w", name, notFound(err))
	}
	return m.toDomain()
}

// ListCombinations returns every combination ordered by name.
func (s *GormStore) ListCombinations(ctx context.Context) ([]domain.Combination, error) {
	var models []CombinationModel
	if err := s.db.WithContext(ctx).Order("name").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing combinations: %w", err)
	}
	out := make([]domain.Combination, 0, len(models))
	for _, m := range models {
		c, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// DeleteCombination removes a combination by ID.
func (s *GormStore) DeleteCombination(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&CombinationModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting combination %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("combination %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ResultStore implementation
// ---------------------------------------------------------------------------

// SaveResult upserts a backtest result.
func (s *GormStore) SaveResult(ctx context.Context, r *domain.BacktestResult) error {
	prepareResult(r)
	m, err := resultToModel(r)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving result %s: %w", r.ID, err)
	}
	return nil
}

// GetResult retrieves a result by ID.
func (s *GormStore) GetResult(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var m ResultModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("result %s: %w", id, notFound(err))
	}
	return m.toDomain()
}

// ListResults returns results for stockCode (all when empty), newest first.
func (s *GormStore) ListResults(ctx context.Context, stockCode string) ([]domain.BacktestResult, error) {
	q := s.db.WithContext(ctx).Order("completed_at DESC").Order("id")
	if stockCode != "" {
		q = q.Where("stock_code = ?", stockCode)
	}
	var models []ResultModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	out := make([]domain.BacktestResult, 0, len(models))
	for _, m := range models {
		r, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Model conversion
// ---------------------------------------------------------------------------

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func combinationToModel(c *domain.Combination) (CombinationModel, error) {
	factors, err := json.Marshal(c.Factors)
	if err != nil {
		return CombinationModel{}, fmt.Errorf("encoding factors: %w", err)
	}
	return CombinationModel{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		CreatedBy:   c.CreatedBy,
		Factors:     string(factors),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}, nil
}

func (m CombinationModel) toDomain() (*domain.Combination, error) {
	c := &domain.Combination{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(m.Factors), &c.Factors); err != nil {
		return nil, fmt.Errorf("decoding factors of %s: %w", m.ID, err)
	}
	return c, nil
}

func resultToModel(r *domain.BacktestResult) (ResultModel, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return ResultModel{}, fmt.Errorf("encoding result: %w", err)
	}
	return ResultModel{
		ID:              r.ID,
		ConfigID:        r.ConfigID,
		CombinationID:   r.CombinationID,
		CombinationName: r.CombinationName,
		StockCode:       r.StockCode,
		TotalReturn:     r.Metrics.TotalReturn,
		CompletedAt:     r.CompletedAt,
		Payload:         string(payload),
	}, nil
}

func (m ResultModel) toDomain() (*domain.BacktestResult, error) {
	var r domain.BacktestResult
	if err := json.Unmarshal([]byte(m.Payload), &r); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", m.ID, err)
	}
	return &r, nil
}
