package dialect

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/abacus-io/abacus/internal/analysis"
)

// Sentinel errors for catalogue loading.
var (
	// ErrDatasourceNotFound is returned when a run references a datasource
	// id missing from the catalogue.
	ErrDatasourceNotFound = errors.New("datasource not found in catalogue")

	// ErrMissingParams is returned when a datasource entry omits the
	// connection parameters its type requires.
	ErrMissingParams = errors.New("datasource is missing connection parameters")
)

// DatasourceType names a warehouse product.
type DatasourceType string

// Supported datasource types.
const (
	TypeMSSQL DatasourceType = "mssql"
)

type (
	// ExposureQuery maps a datasource's raw assignment events to the
	// canonical (unit_id, variation, timestamp) shape for one unit id type.
	// Every generated analysis query inlines one of these as its exposure
	// source.
	ExposureQuery struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		UserIDType string `yaml:"userIdType"`
		SQL        string `yaml:"sql"`
	}

	// Datasource is one warehouse entry in the catalogue: identity,
	// connection parameters, the exposure queries analyses select from, and
	// the pipeline settings that authorize writing temporary objects.
	Datasource struct {
		ID              string                    `yaml:"id"`
		Organization    string                    `yaml:"organization"`
		Type            DatasourceType            `yaml:"type"`
		ExposureQueries []ExposureQuery           `yaml:"exposureQueries,omitempty"`
		Pipeline        analysis.PipelineSettings `yaml:"pipeline"`
		MSSQL           *MSSQLParams              `yaml:"mssql,omitempty"`
	}

	// Catalog is the set of warehouses analyses may run against, loaded
	// from a YAML file at startup.
	Catalog struct {
		Datasources []Datasource `yaml:"datasources"`
	}
)

// LoadCatalog reads and parses the datasource catalogue file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read datasource catalogue: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse datasource catalogue: %w", err)
	}

	return &catalog, nil
}

// Get returns the catalogue entry for a datasource id.
func (c *Catalog) Get(id string) (*Datasource, error) {
	for i := range c.Datasources {
		if c.Datasources[i].ID == id {
			return &c.Datasources[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, id)
}

// New constructs the dialect for a catalogue entry.
func New(ds *Datasource) (Dialect, error) {
	switch ds.Type {
	case TypeMSSQL:
		if ds.MSSQL == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, ds.ID)
		}

		return NewMSSQL(ds.ID, *ds.MSSQL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDatasourceType, ds.Type)
	}
}

// RedactedParams returns the datasource's connection parameters with
// sensitive fields masked, safe for logging and export.
func RedactedParams(ds *Datasource, d Dialect) map[string]string {
	params := map[string]string{}

	if ds.MSSQL != nil {
		params["server"] = ds.MSSQL.Server
		params["user"] = ds.MSSQL.User
		params["password"] = ds.MSSQL.Password
		params["database"] = ds.MSSQL.Database
	}

	for _, key := range d.SensitiveParamKeys() {
		if _, ok := params[key]; ok {
			params[key] = "***"
		}
	}

	return params
}
