// Package directory resolves the prescriber, patient and product records a
// compliance evaluation needs.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drfirst/go-rxcompliance/internal/compliance"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("directory record not found")

// Directory looks up evaluation context by id.
type Directory interface {
	Prescriber(ctx context.Context, id string) (*compliance.Prescriber, error)
	Patient(ctx context.Context, id string) (*compliance.Patient, error)
	Product(ctx context.Context, id string) (*compliance.Product, error)
}

// Memory is a map-backed Directory.
type Memory struct {
	mu          sync.RWMutex
	prescribers map[string]compliance.Prescriber
	patients    map[string]compliance.Patient
	products    map[string]compliance.Product
}

var _ Directory = (*Memory)(nil)

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		prescribers: make(map[string]compliance.Prescriber),
		patients:    make(map[string]compliance.Patient),
		products:    make(map[string]compliance.Product),
	}
}

// PutPrescriber stores or replaces a prescriber.
func (m *Memory) PutPrescriber(p compliance.Prescriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prescribers[p.ID] = p
}

// PutPatient stores or replaces a patient.
func (m *Memory) PutPatient(p compliance.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Allergies = append([]string(nil), p.Allergies...)
	m.patients[p.ID] = p
}

// PutProduct stores or replaces a product.
func (m *Memory) PutProduct(p compliance.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *Memory) Prescriber(_ context.Context, id string) (*compliance.Prescriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prescribers[id]
	if !ok {
		return nil, fmt.Errorf("prescriber %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) Patient(_ context.Context, id string) (*compliance.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	p.Allergies = append([]string(nil), p.Allergies...)
	return &p, nil
}

func (m *Memory) Product(_ context.Context, id string) (*compliance.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return &p, nil
}
