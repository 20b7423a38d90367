// Package convert validates staged payloads and reshapes Overpass
// geometry output into GeoJSON the importer and GeoServer understand.
package convert

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"os"
	"strconv"

	"github.com/kapetan-io/errors"
)

// ValidateJSON streams the file through the JSON tokenizer. A staged
// download that was truncated mid-transfer fails here instead of halfway
// through an import.
func ValidateJSON(path string) error {
	f := errors.Fields{"category", "convert", "func", "ValidateJSON"}
	file, err := os.Open(path)
	if err != nil {
		return f.Errorf("while opening '%s': %w", path, err)
	}
	defer func() { _ = file.Close() }()

	dec := json.NewDecoder(file)
	var tokens int
	for {
		_, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return f.Errorf("invalid json in '%s': %w", path, err)
		}
		tokens++
	}
	if tokens == 0 {
		return f.Errorf("'%s' is empty", path)
	}
	return nil
}

// ValidateXML streams the file through the XML tokenizer.
func ValidateXML(path string) error {
	f := errors.Fields{"category", "convert", "func", "ValidateXML"}
	file, err := os.Open(path)
	if err != nil {
		return f.Errorf("while opening '%s': %w", path, err)
	}
	defer func() { _ = file.Close() }()

	dec := xml.NewDecoder(file)
	var tokens int
	for {
		_, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return f.Errorf("invalid xml in '%s': %w", path, err)
		}
		tokens++
	}
	if tokens == 0 {
		return f.Errorf("'%s' is empty", path)
	}
	return nil
}

// FeatureCollection is the GeoJSON document the converter emits.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
	Geometry   Geometry          `json:"geometry"`
}

// Geometry is a MultiLineString; one line per relation member way.
// Ring assembly into polygons is left to the database on import, which
// handles unordered and reversed member ways better than we could here.
type Geometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Overpass response subset the converter reads. Produced by queries
// ending in "out geom;".
type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Tags     map[string]string `json:"tags"`
	Members  []overpassMember  `json:"members"`
	Geometry []overpassPoint   `json:"geometry"`
}

type overpassMember struct {
	Type     string          `json:"type"`
	Role     string          `json:"role"`
	Geometry []overpassPoint `json:"geometry"`
}

type overpassPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ToGeoJSON reshapes an Overpass "out geom" response into a GeoJSON
// FeatureCollection. Relations become one feature each, member way
// geometry carried as MultiLineString lines; ways queried directly
// become single line features. Elements without geometry are skipped.
func ToGeoJSON(overpassJSON []byte) ([]byte, error) {
	f := errors.Fields{"category", "convert", "func", "ToGeoJSON"}

	var resp overpassResponse
	if err := json.Unmarshal(overpassJSON, &resp); err != nil {
		return nil, f.Errorf("while decoding overpass response: %w", err)
	}

	out := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, el := range resp.Elements {
		var lines [][][2]float64
		switch el.Type {
		case "relation":
			for _, m := range el.Members {
				if m.Type != "way" || len(m.Geometry) == 0 {
					continue
				}
				lines = append(lines, toLine(m.Geometry))
			}
		case "way":
			if len(el.Geometry) != 0 {
				lines = append(lines, toLine(el.Geometry))
			}
		}
		if len(lines) == 0 {
			continue
		}

		props := make(map[string]string, len(el.Tags)+1)
		for k, v := range el.Tags {
			props[k] = v
		}
		props["osm_id"] = strconv.FormatInt(el.ID, 10)

		out.Features = append(out.Features, Feature{
			Type:       "Feature",
			Properties: props,
			Geometry:   Geometry{Type: "MultiLineString", Coordinates: lines},
		})
	}

	buf, err := json.Marshal(out)
	if err != nil {
		return nil, f.Errorf("while encoding feature collection: %w", err)
	}
	return buf, nil
}

// toLine converts points to GeoJSON [lon, lat] order.
func toLine(points []overpassPoint) [][2]float64 {
	line := make([][2]float64, 0, len(points))
	for _, p := range points {
		line = append(line, [2]float64{p.Lon, p.Lat})
	}
	return line
}
