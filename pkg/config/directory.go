package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DirectoryUser is one notification recipient in the deployment's user
// directory file.
type DirectoryUser struct {
	ID   string `yaml:"id" json:"id"`
	Role string `yaml:"role" json:"role"`
}

// StationProfile describes one charging station in the fleet file.
type StationProfile struct {
	ID       string  `yaml:"id" json:"id"`
	Name     string  `yaml:"name,omitempty" json:"name,omitempty"`
	Capacity int     `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Lat      float64 `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lng      float64 `yaml:"lng,omitempty" json:"lng,omitempty"`
}

// Directory is the YAML deployment file pairing the user directory
// with the station fleet.
type Directory struct {
	Users    []DirectoryUser  `yaml:"users" json:"users"`
	Stations []StationProfile `yaml:"stations" json:"stations"`
}

// LoadDirectory parses a deployment directory file.
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var dir Directory
	if err := yaml.Unmarshal(raw, &dir); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}
	for i, u := range dir.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory file %s: user %d has no id", path, i)
		}
	}
	for i, st := range dir.Stations {
		if st.ID == "" {
			return nil, fmt.Errorf("directory file %s: station %d has no id", path, i)
		}
	}
	return &dir, nil
}
