package inventory

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
	"github.com/sunnychaun9/offline-crud-apps/internal/sync"
)

const (
	CollectionBusinesses = "businesses"
	CollectionArticles   = "articles"
)

// Business is one sales point. Articles reference it through business_id,
// a soft link that is never enforced transactionally.
type Business struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Article struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Qty          int64   `json:"qty"`
	SellingPrice float64 `json:"selling_price"`
	BusinessID   string  `json:"business_id"`
}

// Schemas returns the collection schemas the service works against, keyed
// by collection name. The local store registers these at startup.
func Schemas() map[string]localstore.Schema {
	return map[string]localstore.Schema{
		CollectionBusinesses: {
			"id":   {Type: localstore.FieldString, Required: true},
			"name": {Type: localstore.FieldString, Required: true},
		},
		CollectionArticles: {
			"id":            {Type: localstore.FieldString, Required: true},
			"name":          {Type: localstore.FieldString, Required: true},
			"qty":           {Type: localstore.FieldInteger, Required: true},
			"selling_price": {Type: localstore.FieldNumber, Required: true},
			"business_id":   {Type: localstore.FieldString, Required: true},
		},
	}
}

// Service is the CRUD surface over the local store. Every mutation ends
// with a synchronous flush into the durable cache. A failed flush is
// logged and swallowed: the in-memory write already succeeded and the
// next flush carries the same content anyway.
type Service struct {
	local  *localstore.Store
	syncer *sync.Synchronizer
}

func NewService(local *localstore.Store, syncer *sync.Synchronizer) *Service {
	return &Service{local: local, syncer: syncer}
}

func (s *Service) AddBusiness(ctx context.Context, b Business) (Business, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if err := s.local.Insert(CollectionBusinesses, businessToDoc(b)); err != nil {
		return Business{}, err
	}
	s.reconcile(ctx, CollectionBusinesses)
	return b, nil
}

func (s *Service) GetBusiness(id string) (Business, error) {
	doc, err := s.local.Get(CollectionBusinesses, id)
	if err != nil {
		return Business{}, err
	}
	return docToBusiness(doc), nil
}

func (s *Service) UpdateBusiness(ctx context.Context, id string, b Business) (Business, error) {
	doc, err := s.local.Update(CollectionBusinesses, id, localstore.Document{"name": b.Name})
	if err != nil {
		return Business{}, err
	}
	s.reconcile(ctx, CollectionBusinesses)
	return docToBusiness(doc), nil
}

func (s *Service) DeleteBusiness(ctx context.Context, id string) error {
	if err := s.local.Delete(CollectionBusinesses, id); err != nil {
		return err
	}
	s.reconcile(ctx, CollectionBusinesses)
	return nil
}

func (s *Service) ListBusinesses() ([]Business, error) {
	docs, err := s.local.All(CollectionBusinesses)
	if err != nil {
		return nil, err
	}
	out := make([]Business, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToBusiness(doc))
	}
	return out, nil
}

func (s *Service) AddArticle(ctx context.Context, a Article) (Article, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := s.local.Insert(CollectionArticles, articleToDoc(a)); err != nil {
		return Article{}, err
	}
	s.reconcile(ctx, CollectionArticles)
	return a, nil
}

func (s *Service) GetArticle(id string) (Article, error) {
	doc, err := s.local.Get(CollectionArticles, id)
	if err != nil {
		return Article{}, err
	}
	return docToArticle(doc), nil
}

func (s *Service) UpdateArticle(ctx context.Context, id string, a Article) (Article, error) {
	doc, err := s.local.Update(CollectionArticles, id, localstore.Document{
		"name":          a.Name,
		"qty":           a.Qty,
		"selling_price": a.SellingPrice,
		"business_id":   a.BusinessID,
	})
	if err != nil {
		return Article{}, err
	}
	s.reconcile(ctx, CollectionArticles)
	return docToArticle(doc), nil
}

func (s *Service) DeleteArticle(ctx context.Context, id string) error {
	if err := s.local.Delete(CollectionArticles, id); err != nil {
		return err
	}
	s.reconcile(ctx, CollectionArticles)
	return nil
}

func (s *Service) ListArticles() ([]Article, error) {
	docs, err := s.local.All(CollectionArticles)
	if err != nil {
		return nil, err
	}
	out := make([]Article, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToArticle(doc))
	}
	return out, nil
}

// ArticlesByBusiness returns the articles referencing one business,
// ordered by id.
func (s *Service) ArticlesByBusiness(businessID string) ([]Article, error) {
	docs, err := s.local.Find(CollectionArticles, "business_id", businessID)
	if err != nil {
		return nil, err
	}
	out := make([]Article, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToArticle(doc))
	}
	return out, nil
}

func (s *Service) reconcile(ctx context.Context, collection string) {
	if err := s.syncer.Reconcile(ctx, collection); err != nil {
		logger.Log.Warn("Failed to flush collection to durable cache",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}
}

func businessToDoc(b Business) localstore.Document {
	return localstore.Document{"id": b.ID, "name": b.Name}
}

func docToBusiness(doc localstore.Document) Business {
	return Business{
		ID:   asString(doc["id"]),
		Name: asString(doc["name"]),
	}
}

func articleToDoc(a Article) localstore.Document {
	return localstore.Document{
		"id":            a.ID,
		"name":          a.Name,
		"qty":           a.Qty,
		"selling_price": a.SellingPrice,
		"business_id":   a.BusinessID,
	}
}

func docToArticle(doc localstore.Document) Article {
	return Article{
		ID:           asString(doc["id"]),
		Name:         asString(doc["name"]),
		Qty:          int64(asNumber(doc["qty"])),
		SellingPrice: asNumber(doc["selling_price"]),
		BusinessID:   asString(doc["business_id"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
