// Package catalog loads service metadata (criticality and owned assets) used
// when aggregating service risk.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

// Service is one catalog entry.
type Service struct {
	Criticality risk.Criticality `yaml:"criticality"`
	Assets      []string         `yaml:"assets"`
}

type file struct {
	Services map[string]Service `yaml:"services"`
}

// Catalog is an immutable service catalog. It implements risk.Catalog.
type Catalog struct {
	services map[string]Service
	owners   map[string][]string // asset ID -> service IDs
}

var _ risk.Catalog = (*Catalog)(nil)

// New builds a Catalog from entries keyed by service ID. Services without a
// criticality default to medium.
func New(services map[string]Service) (*Catalog, error) {
	c := &Catalog{
		services: make(map[string]Service, len(services)),
		owners:   make(map[string][]string),
	}
	var errs []error
	for id, s := range services {
		if id == "" {
			errs = append(errs, errors.New("service with empty id"))
			continue
		}
		switch s.Criticality {
		case "":
			s.Criticality = risk.CriticalityMedium
		case risk.CriticalityLow, risk.CriticalityMedium, risk.CriticalityHigh, risk.CriticalityCritical:
		default:
			errs = append(errs, fmt.Errorf("service %s: unknown criticality %q", id, s.Criticality))
			continue
		}
		s.Assets = slices.Clone(s.Assets)
		c.services[id] = s
		for _, a := range s.Assets {
			c.owners[a] = append(c.owners[a], id)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for a := range c.owners {
		slices.Sort(c.owners[a])
		c.owners[a] = slices.Compact(c.owners[a])
	}
	return c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c, err := New(f.Services)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Len returns the number of services in the catalog.
func (c *Catalog) Len() int { return len(c.services) }

// Criticality returns the service's criticality, medium when unknown.
func (c *Catalog) Criticality(_ context.Context, serviceID string) (risk.Criticality, error) {
	if s, ok := c.services[serviceID]; ok {
		return s.Criticality, nil
	}
	return risk.CriticalityMedium, nil
}

// AssetsOf returns the assets owned by serviceID.
func (c *Catalog) AssetsOf(_ context.Context, serviceID string) ([]string, error) {
	return slices.Clone(c.services[serviceID].Assets), nil
}

// ServicesOfAsset returns the services owning assetID, sorted.
func (c *Catalog) ServicesOfAsset(_ context.Context, assetID string) ([]string, error) {
	return slices.Clone(c.owners[assetID]), nil
}
