package source

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/geo-pipeline/internal/model"
	"github.com/sells-group/geo-pipeline/internal/silver"
)

// bnboStatusMapping collapses the BNBO review states into two categories.
var bnboStatusMapping = map[string]string{
	"Frivillig aftale tilbudt (UDGÅET)":             "Action Required",
	"Gennemgået, indsats nødvendig":                 "Action Required",
	"Ikke gennemgået (default værdi)":               "Action Required",
	"Gennemgået, indsats ikke nødvendig":            "Completed",
	"Indsats gennemført":                            "Completed",
	"Ingen erhvervsmæssig anvendelse af pesticider": "Completed",
}

// Builtin returns the built-in source catalog.
func Builtin() []Definition {
	return []Definition{
		{
			Name:        "bnbo_status",
			Title:       "BNBO status (boringsnære beskyttelsesområder)",
			Kind:        KindWFS,
			URL:         "https://arealeditering-dist-geo.miljoeportal.dk/geoserver/wfs",
			Layer:       "dai:status_bnbo",
			SRS:         "urn:ogc:def:crs:EPSG::25832",
			PageSize:    100,
			Concurrency: 3,
			Aggregation: silver.Aggregation{
				GroupBy: []string{"status_category"},
				Measure: silver.AreaAttribute,
			},
			ValueMaps: []silver.ValueMap{{
				From:    "status_bnbo",
				To:      "status_category",
				Values:  bnboStatusMapping,
				Default: "Unknown",
			}},
		},
		{
			Name:        "agricultural_fields",
			Title:       "Agricultural fields (Marker og markblokke)",
			Kind:        KindArcGIS,
			URL:         "https://kort.vd.dk/server/rest/services/Grunddata/Marker_og_Markblokke/MapServer/12",
			SRS:         "EPSG:25832",
			IDField:     "objectid",
			PageSize:    2000,
			Concurrency: 5,
			Aggregation: silver.Aggregation{
				GroupBy: []string{"afgroede"},
				Measure: "imk_areal",
			},
		},
		{
			Name:        "cadastral",
			Title:       "Cadastral properties (Samlet fast ejendom)",
			Kind:        KindWFS,
			URL:         "https://wfs.datafordeler.dk/MATRIKLEN2/MatGaeldendeOgForeloebigWFS/1.0.0/WFS",
			Layer:       "mat:SamletFastEjendom_Gaeldende",
			SRS:         "EPSG:25832",
			IDField:     "bfenummer",
			PageSize:    1000,
			Concurrency: 5,
			Aggregation: silver.Aggregation{
				GroupBy:    []string{"landbrugsnotering"},
				Measure:    silver.AreaAttribute,
				TimeField:  "virkningfra",
				TimeBucket: "year",
			},
		},
		{
			Name:    "wetlands",
			Title:   "Wetlands carbon map (Kulstof 2022)",
			Kind:    KindShapefile,
			Path:    "data/wetlands/kulstof2022.shp",
			SRS:     "EPSG:25832",
			IDField: "objectid",
			Aggregation: silver.Aggregation{
				GroupBy: []string{"kulstof"},
				Measure: "areal_ha",
			},
		},
		{
			Name:        "water_projects",
			Title:       "Water projects (lowland restoration)",
			Kind:        KindWFS,
			URL:         "https://geodata.fvm.dk/geoserver/wfs",
			Layer:       "Vandprojekter:Lavbund_E_samlet",
			SRS:         "urn:ogc:def:crs:EPSG::25832",
			PageSize:    100,
			Concurrency: 3,
			Aggregation: silver.Aggregation{
				Measure: silver.AreaAttribute,
				Stats:   []model.Stat{model.StatCount, model.StatMin, model.StatMax, model.StatAvg},
			},
		},
		{
			Name:  "dmi_climate",
			Title: "DMI climate grid values (10 km)",
			Kind:  KindOGCAPI,
			URL:   "https://dmigw.govcloud.dk/v2/climateData/collections/10kmGridValue/items",
			SRS:   "EPSG:25832",
			Headers: map[string]string{
				"Accept":             "application/geo+json",
				"X-Gravitee-Api-Key": "${DMI_GOV_CLOUD_API_KEY}",
			},
			Query:       map[string]string{"parameterId": "${DMI_PARAMETER_ID}"},
			WindowDays:  30,
			PageSize:    1000,
			Concurrency: 2,
			Aggregation: silver.Aggregation{
				GroupBy:    []string{"parameterid"},
				Measure:    "value",
				TimeField:  "validtime",
				TimeBucket: "day",
				Stats:      []model.Stat{model.StatCount, model.StatMin, model.StatMax, model.StatAvg},
			},
		},
	}
}

// catalogFile is the YAML layout of a sources file.
type catalogFile struct {
	Sources []Definition `yaml:"sources"`
}

// LoadCatalog reads source definitions from a YAML file.
func LoadCatalog(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes YAML source definitions. Unknown keys are rejected
// so that typos do not silently fall back to defaults.
func ParseCatalog(data []byte) ([]Definition, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "source: parse catalog")
	}
	for i := range f.Sources {
		if err := f.Sources[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Sources, nil
}
