// Package airports loads a static airport dataset and answers nearest-airport
// queries for the landing heuristic.
package airports

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/yegors/iftracker/internal/physics"
	"github.com/yegors/iftracker/pkg/logger"
)

// Airport is immutable after load
type Airport struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Type          string  `json:"type,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	ElevationFeet float64 `json:"elevationFt"`
}

// Index answers nearest-airport lookups. It is safe for concurrent use
// because it is never mutated after construction.
type Index struct {
	airports []Airport
}

// NewIndex builds an index from an in-memory list
func NewIndex(airports []Airport) *Index {
	cp := make([]Airport, len(airports))
	copy(cp, airports)
	return &Index{airports: cp}
}

// LoadFile parses an OurAirports-format CSV file
func LoadFile(path string, includeClosed bool, log *logger.Logger) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open airports file: %w", err)
	}
	defer file.Close()

	idx, err := Load(file, includeClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	log.Named("airports").Info("Loaded airport data",
		logger.String("path", path),
		logger.Int("count", idx.Len()))
	return idx, nil
}

// Load parses OurAirports CSV data. Columns are located by header name;
// ident, latitude_deg and longitude_deg are required.
func Load(r io.Reader, includeClosed bool) (*Index, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	identCol, okIdent := cols["ident"]
	latCol, okLat := cols["latitude_deg"]
	lonCol, okLon := cols["longitude_deg"]
	if !okIdent || !okLat || !okLon {
		return nil, fmt.Errorf("header must contain ident, latitude_deg and longitude_deg")
	}
	nameCol, hasName := cols["name"]
	typeCol, hasType := cols["type"]
	elevCol, hasElev := cols["elevation_ft"]

	field := func(record []string, col int) string {
		if col < len(record) {
			return strings.TrimSpace(record[col])
		}
		return ""
	}

	var airports []Airport
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		code := field(record, identCol)
		if code == "" {
			continue
		}

		var typ string
		if hasType {
			typ = field(record, typeCol)
			if typ == "closed" && !includeClosed {
				continue
			}
		}

		lat, err := strconv.ParseFloat(field(record, latCol), 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(field(record, lonCol), 64)
		if err != nil {
			continue
		}

		a := Airport{
			Code:      code,
			Type:      typ,
			Latitude:  lat,
			Longitude: lon,
		}
		if hasName {
			a.Name = field(record, nameCol)
		}
		// Elevation might be empty; treat as sea level
		if hasElev {
			if elev, err := strconv.ParseFloat(field(record, elevCol), 64); err == nil {
				a.ElevationFeet = elev
			}
		}
		airports = append(airports, a)
	}

	return &Index{airports: airports}, nil
}

// Len returns the number of indexed airports
func (idx *Index) Len() int {
	return len(idx.airports)
}

// Nearest returns the closest airport to the coordinate and its distance in
// kilometers. ok is false when the index is empty.
func (idx *Index) Nearest(lat, lon float64) (airport Airport, distanceKm float64, ok bool) {
	best := -1.0
	for i := range idx.airports {
		a := &idx.airports[i]
		d := physics.HaversineKm(lat, lon, a.Latitude, a.Longitude)
		if best < 0 || d < best {
			best = d
			airport = *a
		}
	}
	if best < 0 {
		return Airport{}, 0, false
	}
	return airport, best, true
}
