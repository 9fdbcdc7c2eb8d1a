// Package packages ingests FHIR "npm-style" conformance packages — the
// .tgz distribution format used by the FHIR package registry (simplifier,
// packages.fhir.org) to ship StructureDefinitions, SearchParameters, and
// other conformance resources — and records what got installed in the
// installed_packages table.
//
// The archive container format itself has no off-the-shelf parser in
// play here, so this package is built directly on the standard library's
// archive/tar and compress/gzip. The resource bodies extracted from
// package/*.json are handed to a caller-supplied Sink; nothing here writes
// them to the search_parameters table.
package packages

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirerr"
)

// Manifest is the subset of a FHIR package's package.json this server
// needs to record.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	FHIRVersion []string `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Resource is one conformance resource extracted from a package archive's
// package/ directory.
type Resource struct {
	Path     string
	Type     string
	ID       string
	Body     map[string]interface{}
}

// Package is a fully-unpacked archive, ready for installation.
type Package struct {
	Manifest  Manifest
	Checksum  string
	Resources []Resource
}

// Unpack reads a gzipped tar archive shaped like a FHIR npm package: a
// package/package.json manifest plus package/*.json conformance resources.
// Non-JSON files and anything outside package/ are ignored.
func Unpack(data []byte) (*Package, error) {
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fhirerr.InvalidResource("not a gzip archive: " + err.Error())
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	pkg := &Package{Checksum: checksum}
	var manifestFound bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fhirerr.InvalidResource("corrupt tar archive: " + err.Error())
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := normalizeEntryPath(hdr.Name)
		if !strings.HasPrefix(name, "package/") || !strings.HasSuffix(name, ".json") {
			continue
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fhirerr.InvalidResource("failed reading " + name + ": " + err.Error())
		}

		base := path.Base(name)
		if base == "package.json" {
			if err := json.Unmarshal(body, &pkg.Manifest); err != nil {
				return nil, fhirerr.InvalidResource("invalid package.json: " + err.Error())
			}
			manifestFound = true
			continue
		}

		var res map[string]interface{}
		if err := json.Unmarshal(body, &res); err != nil {
			continue // skip non-resource JSON (e.g. .index.json) rather than fail the whole package
		}
		resourceType, _ := res["resourceType"].(string)
		if resourceType == "" {
			continue
		}
		id, _ := res["id"].(string)
		pkg.Resources = append(pkg.Resources, Resource{Path: name, Type: resourceType, ID: id, Body: res})
	}

	if !manifestFound {
		return nil, fhirerr.InvalidResource("archive has no package/package.json manifest")
	}
	if pkg.Manifest.Name == "" || pkg.Manifest.Version == "" {
		return nil, fhirerr.InvalidResource("package.json missing name or version")
	}
	return pkg, nil
}

func normalizeEntryPath(name string) string {
	return strings.TrimPrefix(path.Clean(name), "./")
}

// Installer records installed packages and hands their conformance
// resources to a caller-supplied sink (typically internal/store +
// internal/indexing, wired at the httpapi layer) for ingestion.
type Installer struct {
	pool *pgxpool.Pool
}

func NewInstaller(pool *pgxpool.Pool) *Installer {
	return &Installer{pool: pool}
}

// Sink receives each conformance resource found in the package; it's the
// caller's job to store and index it (e.g. crud.Service.Create or an
// Upsert keyed by canonical URL).
type Sink func(ctx context.Context, r Resource) error

// Install unpacks data, feeds every resource to sink, and records the
// package as installed. If sink returns an error partway through, no
// installed_packages row is written — a failed install leaves no trace of
// having "succeeded".
func (inst *Installer) Install(ctx context.Context, data []byte, sink Sink) (*Package, error) {
	pkg, err := Unpack(data)
	if err != nil {
		return nil, err
	}
	for _, r := range pkg.Resources {
		if err := sink(ctx, r); err != nil {
			return nil, fhirerr.Unprocessable("failed installing " + r.Path + ": " + err.Error())
		}
	}
	_, err = inst.pool.Exec(ctx, `
		INSERT INTO installed_packages (name, version, checksum, resource_count, installed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name, version) DO UPDATE SET checksum = excluded.checksum, resource_count = excluded.resource_count, installed_at = now()`,
		pkg.Manifest.Name, pkg.Manifest.Version, pkg.Checksum, len(pkg.Resources))
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	return pkg, nil
}

// Installed lists every recorded installed_packages row.
type Installed struct {
	Name          string
	Version       string
	Checksum      string
	ResourceCount int
}

func (inst *Installer) Installed(ctx context.Context) ([]Installed, error) {
	rows, err := inst.pool.Query(ctx, `SELECT name, version, checksum, resource_count FROM installed_packages ORDER BY name, version`)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()
	var out []Installed
	for rows.Next() {
		var i Installed
		if err := rows.Scan(&i.Name, &i.Version, &i.Checksum, &i.ResourceCount); err != nil {
			return nil, fhirerr.Database(err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
