package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/repository"
)

// Publisher fans a product change out to live-channel subscribers.
type Publisher interface {
	Publish(ev model.Event)
}

// ProductService defines the backend's product operations.
type ProductService interface {
	List(ctx context.Context) ([]model.Record, error)
	Get(ctx context.Context, id string) (model.Record, error)
	// Create assigns a fresh id and defaults an empty date to today.
	Create(ctx context.Context, in model.Record) (model.Record, error)
	Update(ctx context.Context, id string, in model.Record) (model.Record, error)
	Delete(ctx context.Context, id string) (model.Record, error)
}

type ProductServiceImpl struct {
	repo repository.ProductRepository
	pub  Publisher
	now  func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// NewProductService constructs ProductService; pub may be nil.
func NewProductService(repo repository.ProductRepository, pub Publisher) *ProductServiceImpl {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &ProductServiceImpl{repo: repo, pub: pub, now: time.Now}
}

func validateProduct(p model.Record) error {
	if p.Price < 0 {
		return fmt.Errorf("%w: negative price", errs.ErrInvalidArgument)
	}
	return nil
}

func (s *ProductServiceImpl) List(ctx context.Context) ([]model.Record, error) {
	return s.repo.List(ctx)
}

func (s *ProductServiceImpl) Get(ctx context.Context, id string) (model.Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *ProductServiceImpl) Create(ctx context.Context, in model.Record) (model.Record, error) {
	if err := validateProduct(in); err != nil {
		return model.Record{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Record{}, err
	}
	p := model.Record{ID: id.String(), Title: in.Title, Price: in.Price, Date: in.Date, Sold: in.Sold}
	if p.Date == "" {
		p.Date = s.now().UTC().Format(time.DateOnly)
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return model.Record{}, err
	}
	s.pub.Publish(model.Event{Type: model.EventCreated, Payload: p})
	return p, nil
}

func (s *ProductServiceImpl) Update(ctx context.Context, id string, in model.Record) (model.Record, error) {
	if id == "" {
		return model.Record{}, fmt.Errorf("%w: empty id", errs.ErrInvalidArgument)
	}
	if err := validateProduct(in); err != nil {
		return model.Record{}, err
	}
	p := model.Record{ID: id, Title: in.Title, Price: in.Price, Date: in.Date, Sold: in.Sold}
	if err := s.repo.Update(ctx, p); err != nil {
		return model.Record{}, err
	}
	s.pub.Publish(model.Event{Type: model.EventUpdated, Payload: p})
	return p, nil
}

func (s *ProductServiceImpl) Delete(ctx context.Context, id string) (model.Record, error) {
	p, err := s.repo.Delete(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	s.pub.Publish(model.Event{Type: model.EventDeleted, Payload: p})
	return p, nil
}

// Seed inserts the sample catalogue when the repository is empty.
func Seed(ctx context.Context, svc ProductService) error {
	existing, err := svc.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, p := range []model.Record{
		{Title: "iPhone 15", Price: 999, Date: "2024-01-15"},
		{Title: "MacBook Pro", Price: 2499, Date: "2024-02-20", Sold: true},
		{Title: "AirPods Pro", Price: 249, Date: "2024-03-10"},
	} {
		if _, err := svc.Create(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
