package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.Job{},
		&models.QueueJob{},
		&models.Transaction{},
		&models.Payment{},
		&models.OTP{},
	); err != nil {
		return err
	}

	// At most one debit per job. AutoMigrate cannot express a partial unique
	// index; this is the structural backstop for idempotent job charges.
	_, err = tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_job_debit
		 ON transactions (job_id) WHERE type = 'debit'`)
	return err
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_transactions_job_debit`); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&models.OTP{},
		&models.Payment{},
		&models.Transaction{},
		&models.QueueJob{},
		&models.Job{},
		&models.APIKey{},
		&models.User{},
	)
}
