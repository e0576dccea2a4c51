// Package catalog loads the clinic's services and counters from a YAML file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout:
//
//	services:
//	  - {id: umum, name: Poli Umum, prefix: A-, padding: 3}
//	counters:
//	  - {id: loket-1, name: Loket 1, service_id: umum}
//
// Entries are active unless they say `active: false`.
type File struct {
	Services []serviceEntry `yaml:"services"`
	Counters []counterEntry `yaml:"counters"`
}

type serviceEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Prefix  string `yaml:"prefix"`
	Padding int    `yaml:"padding"`
	Active  *bool  `yaml:"active"`
}

func (e serviceEntry) model() models.Service {
	return models.Service{ServiceID: e.ID, Name: e.Name, Prefix: e.Prefix, Padding: e.Padding, Active: e.Active == nil || *e.Active}
}

type counterEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ServiceID string `yaml:"service_id"`
	Active    *bool  `yaml:"active"`
}

func (e counterEntry) model() models.Counter {
	return models.Counter{CounterID: e.ID, Name: e.Name, ServiceID: e.ServiceID, Active: e.Active == nil || *e.Active}
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	services := make(map[string]bool, len(f.Services))
	for _, entry := range f.Services {
		svc := entry.model()
		if strings.TrimSpace(svc.ServiceID) == "" {
			return fmt.Errorf("service %q: id is required", svc.Name)
		}
		if services[svc.ServiceID] {
			return fmt.Errorf("service %q: duplicate id", svc.ServiceID)
		}
		if strings.TrimSpace(svc.Name) == "" {
			return fmt.Errorf("service %q: name is required", svc.ServiceID)
		}
		if svc.Padding < 1 || svc.Padding > models.MaxPadding {
			return fmt.Errorf("service %q: padding must be between 1 and %d", svc.ServiceID, models.MaxPadding)
		}
		services[svc.ServiceID] = true
	}

	counters := make(map[string]bool, len(f.Counters))
	for _, entry := range f.Counters {
		counter := entry.model()
		if strings.TrimSpace(counter.CounterID) == "" {
			return fmt.Errorf("counter %q: id is required", counter.Name)
		}
		if counters[counter.CounterID] {
			return fmt.Errorf("counter %q: duplicate id", counter.CounterID)
		}
		if strings.TrimSpace(counter.Name) == "" {
			return fmt.Errorf("counter %q: name is required", counter.CounterID)
		}
		if !services[counter.ServiceID] {
			return fmt.Errorf("counter %q: unknown service %q", counter.CounterID, counter.ServiceID)
		}
		counters[counter.CounterID] = true
	}
	return nil
}

func (f *File) ServiceList() []models.Service {
	out := make([]models.Service, 0, len(f.Services))
	for _, entry := range f.Services {
		out = append(out, entry.model())
	}
	return out
}

func (f *File) CounterList() []models.Counter {
	out := make([]models.Counter, 0, len(f.Counters))
	for _, entry := range f.Counters {
		out = append(out, entry.model())
	}
	return out
}

// Apply upserts every service, then every counter. Entries missing from the
// file are left untouched.
func (f *File) Apply(ctx context.Context, catalog store.Catalog) error {
	for _, svc := range f.ServiceList() {
		if err := catalog.UpsertService(ctx, svc); err != nil {
			return fmt.Errorf("upsert service %s: %w", svc.ServiceID, err)
		}
	}
	for _, counter := range f.CounterList() {
		if err := catalog.UpsertCounter(ctx, counter); err != nil {
			return fmt.Errorf("upsert counter %s: %w", counter.CounterID, err)
		}
	}
	return nil
}
