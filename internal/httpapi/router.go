// Package httpapi wires the FHIR REST API onto an echo router: instance
// CRUD, history, search, the transaction/batch endpoint, $validate and
// /metadata. It is the only package that translates
// fhirerr.Error values into HTTP status codes and OperationOutcome
// bodies — every service package below it (store, indexing, search,
// crud, txn) returns typed errors and never touches an echo.Context.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr/internal/audit"
	"github.com/ehr/ehr/internal/conformance"
	"github.com/ehr/ehr/internal/crud"
	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/fhirmodel"
	"github.com/ehr/ehr/internal/packages"
	"github.com/ehr/ehr/internal/platform/middleware"
	"github.com/ehr/ehr/internal/runtimeconfig"
	"github.com/ehr/ehr/internal/search"
	"github.com/ehr/ehr/internal/store"
	"github.com/ehr/ehr/internal/txn"
	"github.com/ehr/ehr/pkg/pagination"
)

// Server holds every service the router dispatches into.
type Server struct {
	CRUD         *crud.Service
	Txn          *txn.Processor
	Conformance  *conformance.Builder
	Validator    *conformance.Validator
	RuntimeConfig *runtimeconfig.Store
	Audit        *audit.Logger
	Packages     *packages.Installer
	Logger       zerolog.Logger
	DefaultCount int
	MaxCount     int
}

// NewRouter builds an echo.Echo with every FHIR REST route registered and
// the ambient middleware stack (logging, panic recovery, security
// headers, request timeout, body size limits) applied ahead of it:
// security headers and body limits before routing, recovery outermost so
// a panic in logging itself is still caught.
func NewRouter(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recovery(s.Logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize())
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.BodyLimit("1M", "20M"))
	e.Use(middleware.Logger(s.Logger))

	e.GET("/metadata", s.handleMetadata)
	e.POST("/", s.handleBundle)
	e.POST("/fhir", s.handleBundle)

	e.POST("/:type", s.handleCreate)
	e.GET("/:type", s.handleSearchType)
	e.GET("/:type/_history", s.handleHistoryType)
	e.POST("/:type/$validate", s.handleValidate)

	e.GET("/:type/:id", s.handleRead)
	e.PUT("/:type/:id", s.handleUpdate)
	e.PATCH("/:type/:id", s.handlePatch)
	e.DELETE("/:type/:id", s.handleDelete)
	e.GET("/:type/:id/_history", s.handleHistoryInstance)
	e.GET("/:type/:id/_history/:vid", s.handleVRead)

	e.GET("/_history", s.handleHistorySystem)

	admin := e.Group("/admin")
	admin.GET("/config", s.handleListConfig)
	admin.PUT("/config/:key", s.handleSetConfig)
	admin.GET("/audit", s.handleListAudit)
	admin.POST("/packages", s.handleInstallPackage)
	admin.GET("/packages", s.handleListPackages)

	return e
}

func (s *Server) handleMetadata(c echo.Context) error {
	cs, err := s.Conformance.Build(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs)
}

func (s *Server) handleValidate(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := readJSONBody(c)
	if err != nil {
		return err
	}
	outcome, err := s.Validator.Validate(c.Request().Context(), resourceType, body)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if outcome.HasErrors() {
		status = http.StatusBadRequest
	}
	return c.JSON(status, outcome)
}

func (s *Server) handleCreate(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := readJSONBody(c)
	if err != nil {
		return err
	}
	ifNoneExist := c.Request().Header.Get("If-None-Exist")
	res, created, err := s.CRUD.ConditionalCreate(c.Request().Context(), resourceType, body, ifNoneExist)
	if err != nil {
		return err
	}
	return respondWithResource(c, resourceType, res, created)
}

func (s *Server) handleRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	res, err := s.CRUD.Store.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return err
	}
	return renderResource(c, http.StatusOK, res)
}

func (s *Server) handleVRead(c echo.Context) error {
	resourceType, id, vid := c.Param("type"), c.Param("id"), c.Param("vid")
	version, err := strconv.Atoi(vid)
	if err != nil {
		return fhirerr.InvalidResource("version id must be numeric")
	}
	res, err := s.CRUD.Store.VRead(c.Request().Context(), resourceType, id, version)
	if err != nil {
		return err
	}
	return renderResource(c, http.StatusOK, res)
}

func (s *Server) handleUpdate(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	body, err := readJSONBody(c)
	if err != nil {
		return err
	}
	var expected *int
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" {
		if v, perr := fhirmodel.ParseETag(ifMatch); perr == nil {
			expected = &v
		}
	}
	if query := c.QueryString(); query != "" {
		res, created, err := s.CRUD.ConditionalUpdate(c.Request().Context(), resourceType, query, body)
		if err != nil {
			return err
		}
		return respondWithResource(c, resourceType, res, created)
	}
	res, err := s.CRUD.Update(c.Request().Context(), resourceType, id, body, expected)
	if err != nil {
		return err
	}
	return respondWithResource(c, resourceType, res, false)
}

func (s *Server) handlePatch(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.InvalidResource("failed reading request body")
	}

	var expected *int
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" {
		if v, perr := fhirmodel.ParseETag(ifMatch); perr == nil {
			expected = &v
		}
	}

	var res *store.Resource
	if isJSONPatchContentType(c) {
		ops, perr := crud.ParsePatch(raw)
		if perr != nil {
			return perr
		}
		res, err = s.CRUD.Patch(c.Request().Context(), resourceType, id, ops, nil, expected)
	} else {
		merge, perr := crud.ParseMergePatch(raw)
		if perr != nil {
			return perr
		}
		res, err = s.CRUD.Patch(c.Request().Context(), resourceType, id, nil, merge, expected)
	}
	if err != nil {
		return err
	}
	return respondWithResource(c, resourceType, res, false)
}

func (s *Server) handleDelete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if query := c.QueryString(); query != "" {
		n, err := s.CRUD.ConditionalDelete(c.Request().Context(), resourceType, query, false)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, fhirmodel.NewOperationOutcome(fhirmodel.SeverityInformation, "informational",
			strconv.Itoa(n)+" resource(s) deleted"))
	}
	version, already, err := s.CRUD.Delete(c.Request().Context(), resourceType, id, false)
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", fhirmodel.FormatETag(version))
	if already {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistoryInstance(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	opts := historyOptionsFromQuery(c)
	versions, err := s.CRUD.Store.History(c.Request().Context(), resourceType, id, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, buildHistoryBundle(versions))
}

func (s *Server) handleHistoryType(c echo.Context) error {
	resourceType := c.Param("type")
	opts := historyOptionsFromQuery(c)
	versions, err := s.CRUD.Store.HistoryType(c.Request().Context(), resourceType, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, buildHistoryBundle(versions))
}

func (s *Server) handleHistorySystem(c echo.Context) error {
	opts := historyOptionsFromQuery(c)
	versions, err := s.CRUD.Store.HistorySystem(c.Request().Context(), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, buildHistoryBundle(versions))
}

func (s *Server) handleSearchType(c echo.Context) error {
	resourceType := c.Param("type")
	ctx := c.Request().Context()

	count := s.DefaultCount
	if raw := c.QueryParam("_count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			count = v
		}
	}
	if s.MaxCount > 0 && count > s.MaxCount {
		return fhirerr.TooCostly(s.MaxCount)
	}
	offset := 0
	if raw := c.QueryParam("_page_offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	defs, err := s.CRUD.Params.ForType(ctx, resourceType)
	if err != nil {
		return err
	}
	byCode := make(map[string]search.ParamDef, len(defs))
	for _, d := range defs {
		byCode[d.Code] = search.ParamDef{Code: d.Code, Type: search.ParamType(d.Type)}
	}

	var params []search.Param
	for key, vals := range c.QueryParams() {
		if isReservedSearchParam(key) {
			continue
		}
		code, modifier := search.ParseParamModifier(key)
		for _, v := range vals {
			params = append(params, search.Param{Code: code, Modifier: modifier, Values: splitCSV(v)})
		}
	}

	result, err := s.CRUD.Search.Execute(ctx, search.Query{
		ResourceType: resourceType, Params: params, Count: count, Offset: offset, Total: true,
	}, byCode)
	if err != nil {
		return err
	}

	bundle := fhirmodel.NewBundle("searchset")
	total := result.Total
	bundle.Total = &total
	for _, id := range result.Identities {
		res, err := s.CRUD.Store.Read(ctx, id.ResourceType, id.ID)
		if err != nil {
			continue // resource deleted/removed between index read and fetch; skip rather than fail the page
		}
		raw, err := json.Marshal(res.Body)
		if err != nil {
			continue
		}
		bundle.Entry = append(bundle.Entry, fhirmodel.BundleEntry{
			FullURL:  fhirmodel.Location(id.ResourceType, id.ID, res.Version),
			Resource: raw,
			Search:   &fhirmodel.BundleSearch{Mode: fhirmodel.SearchModeMatch},
		})
	}
	for _, l := range pagination.SearchLinks(c.Request().URL.Path, c.QueryParams(), offset, count, total) {
		bundle.Link = append(bundle.Link, fhirmodel.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleBundle(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.InvalidResource("failed reading request body")
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fhirerr.InvalidResource("invalid JSON: " + err.Error())
	}

	ctx := c.Request().Context()
	var bundle *fhirmodel.Bundle
	switch probe.Type {
	case "transaction":
		bundle, err = s.Txn.ProcessTransaction(ctx, raw)
	case "batch":
		bundle, err = s.Txn.ProcessBatch(ctx, raw)
	default:
		return fhirerr.InvalidResource("bundle type must be transaction or batch, got " + probe.Type)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bundle)
}

func respondWithResource(c echo.Context, resourceType string, res *store.Resource, created bool) error {
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		c.Response().Header().Set("Location", fhirmodel.Location(resourceType, res.ID, res.Version))
	}
	return renderResource(c, status, res)
}

func renderResource(c echo.Context, status int, res *store.Resource) error {
	c.Response().Header().Set("ETag", fhirmodel.FormatETag(res.Version))
	c.Response().Header().Set("Last-Modified", res.LastUpdated.UTC().Format(http.TimeFormat))
	return c.JSON(status, res.Body)
}

func buildHistoryBundle(versions []*store.Resource) *fhirmodel.Bundle {
	bundle := fhirmodel.NewBundle("history")
	total := len(versions)
	bundle.Total = &total
	for _, v := range versions {
		method := "PUT"
		if v.Deleted {
			method = "DELETE"
		} else if v.Version == 1 {
			method = "POST"
		}
		var raw json.RawMessage
		if !v.Deleted {
			raw, _ = json.Marshal(v.Body)
		}
		bundle.Entry = append(bundle.Entry, fhirmodel.BundleEntry{
			FullURL:  fhirmodel.Location(v.ResourceType, v.ID, v.Version),
			Resource: raw,
			Request:  &fhirmodel.BundleRequest{Method: method, URL: v.ResourceType + "/" + v.ID},
			Response: &fhirmodel.BundleResponse{Status: "200", Etag: fhirmodel.FormatETag(v.Version)},
		})
	}
	return bundle
}

func historyOptionsFromQuery(c echo.Context) store.HistoryOptions {
	opts := store.HistoryOptions{Count: 100, Asc: false}
	if raw := c.QueryParam("_count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			opts.Count = v
		}
	}
	if raw := c.QueryParam("_since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.Since = &t
		}
	}
	if raw := c.QueryParam("_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			opts.At = &t
		}
	}
	return opts
}

func readJSONBody(c echo.Context) (map[string]interface{}, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fhirerr.InvalidResource("failed reading request body")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fhirerr.InvalidResource("invalid JSON: " + err.Error())
	}
	return body, nil
}

func isJSONPatchContentType(c echo.Context) bool {
	return c.Request().Header.Get("Content-Type") == "application/json-patch+json"
}

var reservedSearchParams = map[string]bool{
	"_count": true, "_page_offset": true, "_sort": true, "_include": true,
	"_revinclude": true, "_total": true, "_summary": true, "_elements": true,
}

func isReservedSearchParam(key string) bool {
	return reservedSearchParams[key]
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			out = append(out, v[start:i])
			start = i + 1
		}
	}
	return out
}

// errorHandler renders every fhirerr.Error (and anything else) as an
// OperationOutcome, the single place HTTP status codes get decided.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if fe, ok := fhirerr.As(err); ok {
		_ = c.JSON(fe.Kind.HTTPStatus(), fhirmodel.NewOperationOutcome(fhirmodel.SeverityError, fe.Kind.IssueCode(), fe.Message))
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		_ = c.JSON(he.Code, fhirmodel.NewOperationOutcome(fhirmodel.SeverityError, fhirmodel.IssueException, fmtMessage(he.Message)))
		return
	}
	_ = c.JSON(http.StatusInternalServerError, fhirmodel.NewOperationOutcome(fhirmodel.SeverityFatal, fhirmodel.IssueException, err.Error()))
}

// handleListConfig reports every cached runtime_config key/value pair, for
// operator inspection. It is not part of the FHIR REST surface.
func (s *Server) handleListConfig(c echo.Context) error {
	values, err := s.RuntimeConfig.All(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, values)
}

// handleSetConfig upserts one runtime_config key from a raw JSON body,
// e.g. PUT /admin/config/search.default_count with body 100.
func (s *Server) handleSetConfig(c echo.Context) error {
	key := c.Param("key")
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.InvalidResource("failed reading request body")
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fhirerr.InvalidResource("invalid JSON: " + err.Error())
	}
	if err := s.RuntimeConfig.Set(c.Request().Context(), key, value); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleListAudit returns the most recent audit_log entries for a resource
// identified by ?type=&id=, or, when either is omitted, the entries of the
// last 24 hours across the whole server.
func (s *Server) handleListAudit(c echo.Context) error {
	ctx := c.Request().Context()
	limit := 100
	if raw := c.QueryParam("_count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	resourceType, id := c.QueryParam("type"), c.QueryParam("id")
	if resourceType != "" && id != "" {
		entries, err := s.Audit.ForResource(ctx, resourceType, id, limit)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, entries)
	}
	entries, err := s.Audit.Since(ctx, time.Now().Add(-24*time.Hour), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

// handleInstallPackage ingests a FHIR conformance package (npm-style .tgz)
// uploaded as the raw request body, storing and indexing each resource it
// contains through the same CRUD path ordinary resources take.
func (s *Server) handleInstallPackage(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.InvalidResource("failed reading request body")
	}
	pkg, err := s.Packages.Install(c.Request().Context(), raw, s.installPackageResource)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, pkg)
}

// installPackageResource is the packages.Sink a package install feeds
// every conformance resource through: canonical-URL resources (the common
// case for StructureDefinition/SearchParameter/ValueSet) are conditionally
// updated keyed on their url, so reinstalling the same package version is
// idempotent; everything else is created outright.
func (s *Server) installPackageResource(ctx context.Context, r packages.Resource) error {
	if url, ok := r.Body["url"].(string); ok && url != "" {
		_, _, err := s.CRUD.ConditionalUpdate(ctx, r.Type, "url="+url, r.Body)
		return err
	}
	_, _, err := s.CRUD.ConditionalCreate(ctx, r.Type, r.Body, "")
	return err
}

// handleListPackages reports every package recorded as installed.
func (s *Server) handleListPackages(c echo.Context) error {
	installed, err := s.Packages.Installed(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, installed)
}

func fmtMessage(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
