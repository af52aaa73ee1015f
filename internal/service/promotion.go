package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/steam"
)

// FeaturedSource fetches the storefront featured categories
type FeaturedSource interface {
	GetFeaturedCategories(ctx context.Context) (*steam.FeaturedCategories, error)
}

// PromotionService builds the discounted-games feed
type PromotionService struct {
	source FeaturedSource
	logger *slog.Logger
}

// NewPromotionService creates a new promotion service
func NewPromotionService(source FeaturedSource, logger *slog.Logger) *PromotionService {
	return &PromotionService{source: source, logger: logger}
}

// ListPromotions returns discounted specials followed by discounted top sellers
func (s *PromotionService) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	fc, err := s.source.GetFeaturedCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching featured categories: %v", domain.ErrUpstream, err)
	}

	promotions := []domain.Promotion{}
	for _, category := range []*steam.FeaturedCategory{fc.Specials, fc.TopSellers} {
		if category == nil {
			continue
		}
		for _, item := range category.Items {
			if item.DiscountPercent <= 0 {
				continue
			}
			promotions = append(promotions, toPromotion(item))
		}
	}
	return promotions, nil
}

func toPromotion(item steam.FeaturedItem) domain.Promotion {
	p := domain.Promotion{
		AppID:           item.ID,
		Name:            item.Name,
		Image:           item.LargeCapsuleImage,
		DiscountPercent: item.DiscountPercent,
		FinalPrice:      formatCents(item.FinalPrice),
		FinalAmount:     float64(item.FinalPrice) / 100,
		Currency:        item.Currency,
	}
	if p.Image == "" {
		p.Image = item.HeaderImage
	}
	if item.OriginalPrice != nil {
		p.OriginalPrice = formatCents(*item.OriginalPrice)
	}
	return p
}

// formatCents renders minor currency units with two decimals
func formatCents(cents int64) string {
	return fmt.Sprintf("%.2f", float64(cents)/100)
}
