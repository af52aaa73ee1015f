package service

import (
	"context"
	"errors"
	"testing"

	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/steam"
)

type fakeFeatured struct {
	fc  *steam.FeaturedCategories
	err error
}

func (f *fakeFeatured) GetFeaturedCategories(ctx context.Context) (*steam.FeaturedCategories, error) {
	return f.fc, f.err
}

func TestListPromotions(t *testing.T) {
	original := int64(1999)
	source := &fakeFeatured{fc: &steam.FeaturedCategories{
		Specials: &steam.FeaturedCategory{Items: []steam.FeaturedItem{
			{ID: 1, Name: "Half-Life 2", DiscountPercent: 75, OriginalPrice: &original, FinalPrice: 499, Currency: "USD", LargeCapsuleImage: "large-1"},
			{ID: 2, Name: "Full Price", DiscountPercent: 0, FinalPrice: 1999},
		}},
		TopSellers: &steam.FeaturedCategory{Items: []steam.FeaturedItem{
			{ID: 3, Name: "Portal 2", DiscountPercent: 10, FinalPrice: 1249, HeaderImage: "header-3"},
			{ID: 1, Name: "Half-Life 2", DiscountPercent: 75, FinalPrice: 499, LargeCapsuleImage: "large-1"},
		}},
	}}

	promos, err := NewPromotionService(source, discardLogger()).ListPromotions(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(promos) != 3 {
		t.Fatalf("promotions = %d, want 3", len(promos))
	}
	first := promos[0]
	if first.AppID != 1 || first.FinalPrice != "4.99" || first.OriginalPrice != "19.99" || first.Image != "large-1" || first.FinalAmount != 4.99 {
		t.Errorf("promos[0] = %+v", first)
	}
	second := promos[1]
	if second.AppID != 3 || second.FinalPrice != "12.49" || second.Image != "header-3" || second.OriginalPrice != "" {
		t.Errorf("promos[1] = %+v", second)
	}
	if promos[2].AppID != 1 {
		t.Errorf("promos[2] = %+v, want the top-seller copy of app 1", promos[2])
	}
}

func TestListPromotionsEmptyCategories(t *testing.T) {
	promos, err := NewPromotionService(&fakeFeatured{fc: &steam.FeaturedCategories{}}, discardLogger()).ListPromotions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if promos == nil || len(promos) != 0 {
		t.Errorf("promotions = %#v, want empty non-nil slice", promos)
	}
}

func TestListPromotionsUpstreamError(t *testing.T) {
	svc := NewPromotionService(&fakeFeatured{err: errors.New("status 503")}, discardLogger())
	if _, err := svc.ListPromotions(context.Background()); !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
}
