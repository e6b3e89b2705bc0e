package geo

import (
	"math"
	"sync"
	"time"
)

// Fix is the last known position of a bus in the index.
type Fix struct {
	BusID   string
	Lat     float64
	Lng     float64
	Updated time.Time
}

// Index is the minimal interface the matcher needs to find nearby buses.
type Index interface {
	Nearby(lat, lng float64, limit int) []Fix
	Upsert(f Fix)
}

type MemoryIndex struct {
	mu    sync.RWMutex
	buses map[string]Fix
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{buses: make(map[string]Fix)}
}

func (g *MemoryIndex) Upsert(f Fix) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f.Updated.IsZero() {
		f.Updated = time.Now()
	}
	g.buses[f.BusID] = f
}

// naive scan; fleet sizes here are dozens, not thousands
func (g *MemoryIndex) Nearby(lat, lng float64, limit int) []Fix {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		f    Fix
		dist float64
	}
	arr := make([]pair, 0, len(g.buses))
	for _, f := range g.buses {
		arr = append(arr, pair{f, Haversine(lat, lng, f.Lat, f.Lng)})
	}
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]Fix, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].f)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// ImpliedSpeedKmh derives the speed needed to cover distM in elapsed.
// Returns +Inf for non-positive elapsed so callers treat it as implausible.
func ImpliedSpeedKmh(distM float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return math.Inf(1)
	}
	mps := distM / elapsed.Seconds()
	return mps * 3.6
}

// ValidCoord reports whether lat/lng are finite and in range.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
