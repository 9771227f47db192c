package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RouteExpectation states which database a statement is expected to reach on
// a fresh dual connection.
type RouteExpectation struct {
	Name   string `yaml:"name"`
	SQL    string `yaml:"sql"`
	Target string `yaml:"target"`
	Reason string `yaml:"reason"`
}

// RoutesYAML represents the structure of a route expectations file.
type RoutesYAML struct {
	Routes []RouteExpectation `yaml:"routes"`
}

// LoadRouteExpectations reads route expectations from a YAML file.
func LoadRouteExpectations(filePath string) ([]RouteExpectation, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("op=config.routes: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.routes: %w", err)
	}
	var doc RoutesYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=config.routes: parse %s: %w", filePath, err)
	}
	if len(doc.Routes) == 0 {
		return nil, fmt.Errorf("op=config.routes: no routes found in %s", filePath)
	}
	for i := range doc.Routes {
		r := &doc.Routes[i]
		r.SQL = strings.TrimSpace(r.SQL)
		r.Target = strings.ToLower(strings.TrimSpace(r.Target))
		r.Reason = strings.ToUpper(strings.TrimSpace(r.Reason))
		if r.Name == "" {
			r.Name = fmt.Sprintf("route[%d]", i)
		}
		if r.SQL == "" {
			return nil, fmt.Errorf("op=config.routes: %s: empty sql", r.Name)
		}
		if r.Target != "main" && r.Target != "replica" {
			return nil, fmt.Errorf("op=config.routes: %s: target must be main or replica, got %q", r.Name, r.Target)
		}
	}
	return doc.Routes, nil
}
