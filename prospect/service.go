package prospect

import "context"

// Reader abstracts repository reads for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Prospect, error)
	List(ctx context.Context, limit int) ([]Prospect, error)
}

// Service exposes business-level prospect operations.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the prospect for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Prospect, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit prospects.
func (s *Service) List(ctx context.Context, limit int) ([]Prospect, error) {
	return s.repo.List(ctx, limit)
}
