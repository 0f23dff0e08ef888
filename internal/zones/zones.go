// Package zones maps a pickup point to the geographic zone that carries
// search-radius parameters and surge tier tables.
package zones

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// SearchParams drive the two-phase progressive search.
type SearchParams struct {
	InnerRadiusKm float64       `json:"inner_radius_km"`
	OuterRadiusKm float64       `json:"outer_radius_km"`
	Phase1        time.Duration `json:"phase1"`
	Phase2        time.Duration `json:"phase2"`
}

func DefaultSearchParams() SearchParams {
	return SearchParams{InnerRadiusKm: 5, OuterRadiusKm: 10, Phase1: 2 * time.Minute, Phase2: 3 * time.Minute}
}

func (p SearchParams) valid() bool {
	return p.InnerRadiusKm > 0 && p.OuterRadiusKm > p.InnerRadiusKm && p.Phase1 > 0 && p.Phase2 > 0
}

// Zone is matched when the pickup geohash starts with any of Prefixes.
// Tiers is keyed by car type, then by lower-case weekday name; the weekday
// key "*" applies to every day.
type Zone struct {
	ID       string                                   `json:"id"`
	Prefixes []string                                 `json:"geohash_prefixes"`
	Search   *SearchParams                            `json:"search,omitempty"`
	Tiers    map[string]map[string][]models.SurgeTier `json:"tiers,omitempty"`
}

const precision = 9

type Resolver struct {
	zones    []Zone
	defaults SearchParams
	// default surge tables, used when no zone matches
	tiers map[string]map[string][]models.SurgeTier
}

func NewResolver(zs []Zone, defaults SearchParams, defaultTiers map[string]map[string][]models.SurgeTier) *Resolver {
	if !defaults.valid() {
		defaults = DefaultSearchParams()
	}
	sorted := append([]Zone(nil), zs...)
	// longest prefix first so nested zones win over their parents
	sort.SliceStable(sorted, func(i, j int) bool { return longest(sorted[i]) > longest(sorted[j]) })
	return &Resolver{zones: sorted, defaults: defaults, tiers: defaultTiers}
}

func longest(z Zone) int {
	n := 0
	for _, p := range z.Prefixes {
		if len(p) > n {
			n = len(p)
		}
	}
	return n
}

// Match returns the most specific zone containing p.
func (r *Resolver) Match(p models.Point) (Zone, bool) {
	hash := geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
	for _, z := range r.zones {
		for _, prefix := range z.Prefixes {
			if prefix != "" && strings.HasPrefix(hash, strings.ToLower(prefix)) {
				return z, true
			}
		}
	}
	return Zone{}, false
}

// SearchParams falls back to the configured defaults when no zone matches
// or the zone carries no usable parameters.
func (r *Resolver) SearchParams(p models.Point) SearchParams {
	if z, ok := r.Match(p); ok && z.Search != nil && z.Search.valid() {
		return *z.Search
	}
	return r.defaults
}

// Tiers returns the tier table for carType on day, ok=false when neither the
// zone nor the defaults define one.
func (r *Resolver) Tiers(p models.Point, carType string, day time.Weekday) ([]models.SurgeTier, string, bool) {
	if z, ok := r.Match(p); ok {
		if t, ok := lookup(z.Tiers, carType, day); ok {
			return t, z.ID, true
		}
	}
	t, ok := lookup(r.tiers, carType, day)
	return t, "", ok
}

func lookup(m map[string]map[string][]models.SurgeTier, carType string, day time.Weekday) ([]models.SurgeTier, bool) {
	byDay, ok := m[carType]
	if !ok {
		return nil, false
	}
	if t, ok := byDay[strings.ToLower(day.String())]; ok && len(t) > 0 {
		return t, true
	}
	t, ok := byDay["*"]
	return t, ok && len(t) > 0
}

// Lot is an airport parking lot provisioned as a queue at startup.
type Lot struct {
	ID           string `json:"id"`
	AirportID    string `json:"airport_id"`
	LotID        string `json:"lot_id"`
	MaxQueueSize int    `json:"max_queue_size"`
}

// File is the on-disk shape of ZONES_FILE.
type File struct {
	Zones        []Zone                                   `json:"zones"`
	DefaultTiers map[string]map[string][]models.SurgeTier `json:"default_tiers"`
	Lots         []Lot                                    `json:"lots"`
}

func LoadFile(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read zones file: %w", err)
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse zones file: %w", err)
	}
	return f, nil
}
