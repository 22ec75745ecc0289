package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/models"
)

const prescriptionColumns = `id, user_id, filename, analysis, structured_data, structured_status, image_key, created_at`

func scanPrescription(row interface{ Scan(...any) error }) (*models.Prescription, error) {
	var (
		p          models.Prescription
		analysis   sql.NullString
		structured []byte
		status     string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Filename, &analysis, &structured, &status, &p.ImageKey, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Analysis = analysis.String
	p.StructuredStatus = models.StructuredStatus(status)
	if structured != nil {
		p.StructuredData = structured
	}
	return &p, nil
}

// CreatePrescription inserts p and fills in its ID and CreatedAt.
func (s *PostgresStore) CreatePrescription(ctx context.Context, p *models.Prescription) error {
	var structured any
	if len(p.StructuredData) > 0 {
		structured = string(p.StructuredData)
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO prescriptions (user_id, filename, analysis, structured_data, structured_status, image_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		p.UserID, p.Filename, p.Analysis, structured, string(p.StructuredStatus), p.ImageKey,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create prescription: %w", err)
	}
	return nil
}

// ListPrescriptionsByUser returns the user's prescriptions, newest first.
func (s *PostgresStore) ListPrescriptionsByUser(ctx context.Context, userID int64) ([]models.Prescription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prescriptionColumns+`
		 FROM prescriptions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	out := []models.Prescription{}
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	return out, nil
}

// GetPrescription returns the prescription only if userID owns it; any other
// case is common.ErrNotFound.
func (s *PostgresStore) GetPrescription(ctx context.Context, id, userID int64) (*models.Prescription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prescriptionColumns+`
		 FROM prescriptions
		 WHERE id = $1 AND user_id = $2`, id, userID,
	)
	p, err := scanPrescription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}
