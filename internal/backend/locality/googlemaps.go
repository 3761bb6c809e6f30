package locality

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"
)

// GoogleMapsProvider implements Provider with the Google Maps web services.
type GoogleMapsProvider struct {
	client *maps.Client
}

// NewGoogleMapsProvider creates a provider. baseURL is only set in tests.
func NewGoogleMapsProvider(apiKey, baseURL string) (*GoogleMapsProvider, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, maps.WithBaseURL(baseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsProvider{client: client}, nil
}

func (g *GoogleMapsProvider) Geocode(ctx context.Context, address string) (LatLng, bool, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return LatLng{}, false, err
	}
	if len(results) == 0 {
		return LatLng{}, false, nil
	}
	location := results[0].Geometry.Location
	return LatLng{Lat: location.Lat, Lng: location.Lng}, true, nil
}

func (g *GoogleMapsProvider) SearchHospitals(ctx context.Context, center LatLng, radiusMeters uint, keyword string) ([]Hospital, error) {
	response, err := g.client.NearbySearch(ctx, &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: center.Lat, Lng: center.Lng},
		Radius:   radiusMeters,
		Keyword:  keyword,
		Type:     maps.PlaceTypeHospital,
	})
	if err != nil {
		return nil, err
	}

	hospitals := make([]Hospital, 0, len(response.Results))
	for _, r := range response.Results {
		h := Hospital{
			PlaceID:  r.PlaceID,
			Name:     r.Name,
			Address:  r.Vicinity,
			Rating:   float64(r.Rating),
			Location: LatLng{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
		}
		if h.Address == "" {
			h.Address = r.FormattedAddress
		}
		if r.OpeningHours != nil {
			h.OpenNow = r.OpeningHours.OpenNow
		}
		hospitals = append(hospitals, h)
	}
	return hospitals, nil
}

// OpeningHours returns the weekday descriptions from Place Details, e.g. "Monday: Open 24 hours".
func (g *GoogleMapsProvider) OpeningHours(ctx context.Context, placeID string) ([]string, error) {
	details, err := g.client.PlaceDetails(ctx, &maps.PlaceDetailsRequest{
		PlaceID: placeID,
		Fields:  []maps.PlaceDetailsFieldMask{maps.PlaceDetailsFieldMaskOpeningHours},
	})
	if err != nil {
		return nil, err
	}
	if details.OpeningHours == nil {
		return nil, nil
	}
	return details.OpeningHours.WeekdayText, nil
}
