package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
	"github.com/drfirst/go-rxcompliance/internal/directory"
)

// Directory reads prescribers, patients and products from their tables.
type Directory struct {
	pool *pgxpool.Pool
}

var _ directory.Directory = (*Directory)(nil)

// NewDirectory creates a directory over pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) Prescriber(ctx context.Context, id string) (*compliance.Prescriber, error) {
	const query = `
		SELECT id, name, npi, dea_number, dea_expiration, authorized_schedule,
		       license_number, license_expiration, active, verified
		FROM prescribers
		WHERE id = $1
	`
	var (
		p                      compliance.Prescriber
		schedule               string
		deaExp, licenseExpires *time.Time
	)
	err := d.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.NPI, &p.DEANumber, &deaExp, &schedule,
		&p.LicenseNumber, &licenseExpires, &p.Active, &p.Verified,
	)
	if err != nil {
		return nil, lookupErr("prescriber", id, err)
	}
	p.AuthorizedSchedule = compliance.Schedule(schedule)
	if deaExp != nil {
		p.DEAExpiration = deaExp.UTC()
	}
	if licenseExpires != nil {
		p.LicenseExpiration = licenseExpires.UTC()
	}
	return &p, nil
}

func (d *Directory) Patient(ctx context.Context, id string) (*compliance.Patient, error) {
	const query = `SELECT id, name, dob, active, allergies FROM patients WHERE id = $1`
	var p compliance.Patient
	err := d.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.DOB, &p.Active, &p.Allergies)
	if err != nil {
		return nil, lookupErr("patient", id, err)
	}
	p.DOB = time.Date(p.DOB.Year(), p.DOB.Month(), p.DOB.Day(), 0, 0, 0, 0, time.UTC)
	return &p, nil
}

func (d *Directory) Product(ctx context.Context, id string) (*compliance.Product, error) {
	const query = `SELECT id, ndc, name, strength, schedule FROM products WHERE id = $1`
	var (
		p        compliance.Product
		schedule string
	)
	err := d.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.NDC, &p.Name, &p.Strength, &schedule)
	if err != nil {
		return nil, lookupErr("product", id, err)
	}
	p.Schedule = compliance.Schedule(schedule)
	return &p, nil
}

func lookupErr(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, directory.ErrNotFound)
	}
	return fmt.Errorf("lookup %s %s: %w", kind, id, err)
}
