// Package conformance builds the CapabilityStatement the server exposes at
// GET /metadata and implements the minimal $validate operation. Rather
// than a fixed list of resource types registered at startup, the
// statement is generated dynamically from whatever is actually registered
// in the search_parameters table — the server's capabilities and its
// conformance document can never drift apart.
package conformance

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirerr"
)

// Config holds the server identity fields the CapabilityStatement reports.
type Config struct {
	ServerName    string
	ServerVersion string
	FHIRVersion   string
	Publisher     string
	BaseURL       string
}

// SearchParam is one resource type's registered search parameter, as
// reported under CapabilityStatement.rest.resource.searchParam.
type SearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Resource mirrors CapabilityStatement.rest.resource.
type Resource struct {
	Type              string        `json:"type"`
	Interaction       []Interaction `json:"interaction"`
	Versioning        string        `json:"versioning"`
	ReadHistory       bool          `json:"readHistory"`
	UpdateCreate      bool          `json:"updateCreate"`
	ConditionalCreate bool          `json:"conditionalCreate"`
	ConditionalUpdate bool          `json:"conditionalUpdate"`
	ConditionalDelete string        `json:"conditionalDelete"`
	SearchParam       []SearchParam `json:"searchParam,omitempty"`
}

type Interaction struct {
	Code string `json:"code"`
}

// standardInteractions is what every resource type gets: the server never
// registers partial interaction support per type, since internal/crud and
// internal/store apply uniformly to every resource type.
var standardInteractions = []Interaction{
	{Code: "read"}, {Code: "vread"}, {Code: "update"}, {Code: "patch"},
	{Code: "delete"}, {Code: "history-instance"}, {Code: "history-type"},
	{Code: "create"}, {Code: "search-type"},
}

// CapabilityStatement mirrors the subset of the FHIR R4 CapabilityStatement
// resource this server populates.
type CapabilityStatement struct {
	ResourceType string   `json:"resourceType"`
	Status       string   `json:"status"`
	Date         string   `json:"date"`
	Publisher    string   `json:"publisher,omitempty"`
	Kind         string   `json:"kind"`
	Software     Software `json:"software"`
	Implementation struct {
		Description string `json:"description"`
		URL         string `json:"url,omitempty"`
	} `json:"implementation"`
	FHIRVersion string   `json:"fhirVersion"`
	Format      []string `json:"format"`
	Rest        []Rest   `json:"rest"`
}

type Software struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type Rest struct {
	Mode      string     `json:"mode"`
	Resource  []Resource `json:"resource"`
	Interaction []Interaction `json:"interaction,omitempty"`
}

// Builder generates CapabilityStatements from the live search_parameters
// table plus a fixed server Config.
type Builder struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(pool *pgxpool.Pool, cfg Config) *Builder {
	if cfg.FHIRVersion == "" {
		cfg.FHIRVersion = "4.0.1"
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "EHR FHIR Server"
	}
	return &Builder{pool: pool, cfg: cfg}
}

// Build queries every distinct concrete resource_type with registered
// search parameters and assembles a CapabilityStatement reflecting them.
func (b *Builder) Build(ctx context.Context) (*CapabilityStatement, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT resource_type, code, type
		FROM search_parameters
		WHERE status = 'active' AND resource_type NOT IN ('Resource', 'DomainResource')
		ORDER BY resource_type, code`)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()

	byType := make(map[string][]SearchParam)
	var order []string
	seen := make(map[string]bool)
	for rows.Next() {
		var resourceType, code, typ string
		if err := rows.Scan(&resourceType, &code, &typ); err != nil {
			return nil, fhirerr.Database(err)
		}
		byType[resourceType] = append(byType[resourceType], SearchParam{Name: code, Type: typ})
		if !seen[resourceType] {
			seen[resourceType] = true
			order = append(order, resourceType)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fhirerr.Database(err)
	}
	sort.Strings(order)

	resources := make([]Resource, 0, len(order))
	for _, rt := range order {
		resources = append(resources, Resource{
			Type:              rt,
			Interaction:       standardInteractions,
			Versioning:        "versioned",
			ReadHistory:       true,
			UpdateCreate:      true,
			ConditionalCreate: true,
			ConditionalUpdate: true,
			ConditionalDelete: "multiple",
			SearchParam:       byType[rt],
		})
	}

	cs := &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format(time.RFC3339),
		Publisher:    b.cfg.Publisher,
		Kind:         "instance",
		Software:     Software{Name: b.cfg.ServerName, Version: b.cfg.ServerVersion},
		FHIRVersion:  b.cfg.FHIRVersion,
		Format:       []string{"application/fhir+json"},
		Rest: []Rest{
			{
				Mode:     "server",
				Resource: resources,
				Interaction: []Interaction{
					{Code: "transaction"}, {Code: "batch"}, {Code: "search-system"}, {Code: "history-system"},
				},
			},
		},
	}
	cs.Implementation.Description = b.cfg.ServerName
	cs.Implementation.URL = b.cfg.BaseURL
	return cs, nil
}
