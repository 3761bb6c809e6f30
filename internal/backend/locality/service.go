package locality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrLocationNotFound is returned when an address cannot be resolved or the
// maps provider is unreachable.
var ErrLocationNotFound = errors.New("location not found")

// DefaultKeywords are the specialties searched around a patient address.
var DefaultKeywords = []string{
	"dermatologia",
	"oncologia",
	"endocrinologia",
	"feridas",
	"diabetes",
	"cancer",
	"hospital",
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Hospital struct {
	PlaceID  string   `json:"placeId,omitempty"`
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Rating   float64  `json:"rating"`
	Location LatLng   `json:"location"`
	OpenNow  *bool    `json:"openNow,omitempty"`
	Hours    []string `json:"hours,omitempty"`
}

// Provider is the maps backend used for geocoding and place search.
type Provider interface {
	Geocode(ctx context.Context, address string) (LatLng, bool, error)
	SearchHospitals(ctx context.Context, center LatLng, radiusMeters uint, keyword string) ([]Hospital, error)
}

// HoursProvider is implemented by providers that can look up weekly opening hours.
type HoursProvider interface {
	OpeningHours(ctx context.Context, placeID string) ([]string, error)
}

// GeocodeCache stores resolved addresses.
type GeocodeCache interface {
	Get(ctx context.Context, address string) (LatLng, bool, error)
	Set(ctx context.Context, address string, location LatLng) error
}

type Service struct {
	provider   Provider
	cache      GeocodeCache
	keywords   []string
	maxResults int
}

type Option func(*Service)

// WithCache enables caching of geocoding results.
func WithCache(cache GeocodeCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithKeywords(keywords []string) Option {
	return func(s *Service) {
		if len(keywords) > 0 {
			s.keywords = append([]string(nil), keywords...)
		}
	}
}

func WithMaxResults(maxResults int) Option {
	return func(s *Service) {
		if maxResults > 0 {
			s.maxResults = maxResults
		}
	}
}

func NewService(provider Provider, opts ...Option) *Service {
	s := &Service{
		provider:   provider,
		keywords:   DefaultKeywords,
		maxResults: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Geocode resolves an address to coordinates.
func (s *Service) Geocode(ctx context.Context, address string) (LatLng, error) {
	key := normalizeAddress(address)
	if key == "" {
		return LatLng{}, fmt.Errorf("%w: empty address", ErrLocationNotFound)
	}

	if s.cache != nil {
		location, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("geocode cache read failed", "error", err)
		} else if ok {
			return location, nil
		}
	}

	location, ok, err := s.provider.Geocode(ctx, address)
	if err != nil {
		slog.Error("geocoding failed", "error", err)
		return LatLng{}, fmt.Errorf("%w: %v", ErrLocationNotFound, err)
	}
	if !ok {
		return LatLng{}, ErrLocationNotFound
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, location); err != nil {
			slog.Warn("geocode cache write failed", "error", err)
		}
	}
	return location, nil
}

// NearbyHospitals runs one search per keyword and merges the results by name,
// best rated first.
func (s *Service) NearbyHospitals(ctx context.Context, center LatLng, radiusMeters uint) ([]Hospital, error) {
	if radiusMeters == 0 {
		return nil, fmt.Errorf("radius must be positive")
	}

	byName := make(map[string]Hospital)
	failures := 0
	for _, keyword := range s.keywords {
		hospitals, err := s.provider.SearchHospitals(ctx, center, radiusMeters, keyword)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("hospital search failed", "keyword", keyword, "error", err)
			failures++
			continue
		}
		for _, h := range hospitals {
			if existing, ok := byName[h.Name]; !ok || h.Rating > existing.Rating {
				byName[h.Name] = h
			}
		}
	}
	if failures == len(s.keywords) {
		return nil, fmt.Errorf("%w: all hospital searches failed", ErrLocationNotFound)
	}

	result := make([]Hospital, 0, len(byName))
	for _, h := range byName {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Rating != result[j].Rating {
			return result[i].Rating > result[j].Rating
		}
		return result[i].Name < result[j].Name
	})
	if len(result) > s.maxResults {
		result = result[:s.maxResults]
	}
	s.addOpeningHours(ctx, result)
	return result, nil
}

// addOpeningHours fills in weekly hours for the returned hospitals only.
// Lookup failures leave Hours empty.
func (s *Service) addOpeningHours(ctx context.Context, hospitals []Hospital) {
	hoursProvider, ok := s.provider.(HoursProvider)
	if !ok {
		return
	}
	for i := range hospitals {
		if hospitals[i].PlaceID == "" {
			continue
		}
		hours, err := hoursProvider.OpeningHours(ctx, hospitals[i].PlaceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("opening hours lookup failed", "place_id", hospitals[i].PlaceID, "error", err)
			continue
		}
		hospitals[i].Hours = hours
	}
}

func normalizeAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}
