package db

import (
	"context"
	"fmt"
)

func autoMigrateModels() []any {
	return []any{
		&RawMessage{},
		&CleanRecord{},
	}
}

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := p.gdb.WithContext(ctx).Exec(`CREATE SCHEMA IF NOT EXISTS corrector`).Error; err != nil {
		return fmt.Errorf("create corrector schema: %w", err)
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	return nil
}
