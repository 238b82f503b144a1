package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var _ Registry = (*Store)(nil)

// ErrNotFound is returned by Update when no record has the given id.
var ErrNotFound = errors.New("registry record not found")

// Config configures the backing database. PostgresDSN takes precedence; with
// neither set the store falls back to a local sqlite file next to the daemon.
type Config struct {
	PostgresDSN string
	SQLitePath  string
	AutoMigrate bool
}

// Store is the gorm-backed Registry.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured database and optionally migrates the
// script_executions table.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	var dialector gorm.Dialector
	switch {
	case cfg.PostgresDSN != "":
		dialector = postgres.Open(cfg.PostgresDSN)
	case cfg.SQLitePath != "":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = sqlite.Open("scriptdeck.db")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
			return nil, fmt.Errorf("migrate script_executions: %w", err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create implements Registry.
func (s *Store) Create(ctx context.Context, scriptName, scriptPath, mode, serverRef string) (string, error) {
	rec := Record{
		ID:         uuid.NewString(),
		ScriptName: scriptName,
		ScriptPath: scriptPath,
		Mode:       mode,
		ServerRef:  serverRef,
		Status:     StatusInProgress,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("record id collision: %w", err)
		}
		return "", fmt.Errorf("create record: %w", err)
	}
	return rec.ID, nil
}

// Update implements Registry.
func (s *Store) Update(ctx context.Context, id string, u Update) error {
	fields := map[string]any{"updated_at": time.Now()}
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.GuestID != nil {
		fields["guest_id"] = *u.GuestID
	}
	if u.ServiceIP != nil {
		fields["service_ip"] = *u.ServiceIP
	}
	if u.ServicePort != nil {
		fields["service_port"] = *u.ServicePort
	}
	if u.Output != nil {
		fields["output"] = *u.Output
	}

	res := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get reads a record back. Used by tests and the dashboard's store, not by
// the orchestrators.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return &rec, nil
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
