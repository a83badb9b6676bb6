package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// BankLoader loads question bank JSONB from Postgres.
type BankLoader struct {
	pool *pgxpool.Pool
}

func NewBankLoader(pool *pgxpool.Pool) *BankLoader {
	return &BankLoader{pool: pool}
}

func (l *BankLoader) LoadBank(ctx context.Context, bankID string) (domain.Bank, error) {
	var (
		title string
		raw   []byte
	)
	err := l.pool.QueryRow(ctx, `SELECT title, questions FROM question_banks WHERE id=$1`, bankID).Scan(&title, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bank{}, fmt.Errorf("%w: %s", domain.ErrBankNotFound, bankID)
	}
	if err != nil {
		return domain.Bank{}, fmt.Errorf("load bank: %w", err)
	}
	bank := domain.Bank{ID: bankID, Title: title}
	if err := json.Unmarshal(raw, &bank.Questions); err != nil {
		return domain.Bank{}, fmt.Errorf("unmarshal bank: %w", err)
	}
	if err := bank.Validate(); err != nil {
		return domain.Bank{}, fmt.Errorf("bank %s: %w", bankID, err)
	}
	return bank, nil
}

// SaveBank upserts a bank; used to seed rooms ahead of a session.
func (l *BankLoader) SaveBank(ctx context.Context, bank domain.Bank) error {
	if err := bank.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(bank.Questions)
	if err != nil {
		return fmt.Errorf("marshal bank: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
INSERT INTO question_banks (id, title, questions, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, questions = EXCLUDED.questions, updated_at = now()`,
		bank.ID, bank.Title, raw)
	if err != nil {
		return fmt.Errorf("save bank: %w", err)
	}
	return nil
}
