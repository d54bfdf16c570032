package roadgraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// File is the on-disk network description:
//
//	segments:
//	  - id: SEG001
//	    free_flow_speed_kmph: 50
//	    lanes: 2
//	    geometry: {lat: 47.61, lon: -122.33, length_km: 1.2}
//	links:
//	  - {from: SEG000, to: SEG001}
type File struct {
	Segments []domain.Segment `yaml:"segments"`
	Links    []Link           `yaml:"links"`
}

// Parse decodes and validates a YAML network.
func Parse(data []byte) (*Network, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("roadgraph: parse: %w", err)
	}
	return NewNetwork(f.Segments, f.Links)
}

// LoadFile reads a YAML network from path.
func LoadFile(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roadgraph: read %s: %w", path, err)
	}
	return Parse(data)
}
