package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geo-pipeline/internal/model"
)

func TestBuiltin_AllValid(t *testing.T) {
	names := map[string]bool{}
	for _, d := range Builtin() {
		require.NoError(t, d.Validate(), d.Name)
		names[d.Name] = true
	}
	for _, want := range []string{"bnbo_status", "agricultural_fields", "cadastral", "wetlands", "water_projects", "dmi_climate"} {
		assert.True(t, names[want], want)
	}
}

func TestBuiltin_BNBOStatusMapping(t *testing.T) {
	var bnbo Definition
	for _, d := range Builtin() {
		if d.Name == "bnbo_status" {
			bnbo = d
		}
	}
	require.Len(t, bnbo.ValueMaps, 1)
	vm := bnbo.ValueMaps[0]
	assert.Equal(t, "Completed", vm.Values["Indsats gennemført"])
	assert.Equal(t, "Action Required", vm.Values["Ikke gennemgået (default værdi)"])
	assert.Equal(t, "Unknown", vm.Default)
}

func TestBuiltin_DMIClimate(t *testing.T) {
	var dmi Definition
	for _, d := range Builtin() {
		if d.Name == "dmi_climate" {
			dmi = d
		}
	}
	require.NoError(t, dmi.Validate())
	assert.Equal(t, KindOGCAPI, dmi.Kind)
	assert.Equal(t, "${DMI_GOV_CLOUD_API_KEY}", dmi.Headers["X-Gravitee-Api-Key"])
	assert.Equal(t, []string{"parameterid"}, dmi.Aggregation.GroupBy)
	assert.Equal(t, "validtime", dmi.Aggregation.TimeField)
	assert.Equal(t, "day", dmi.Aggregation.TimeBucket)
}

const catalogYAML = `
sources:
  - name: nature_areas
    title: Protected nature
    kind: WFS
    url: https://wfs2-miljoegis.mim.dk/natur/wfs
    layer: natur:ais_par3
    srs: EPSG:25832
    page_size: 500
    headers:
      Authorization: Bearer ${TOKEN}
    aggregation:
      group_by: [Natyp_navn]
      measure: area_ha
      stats: [count, avg]
    value_maps:
      - from: Natyp_navn
        to: natur_group
        values:
          Mose: wet
          Eng: wet
        default: dry
`

func TestParseCatalog(t *testing.T) {
	defs, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	d := defs[0]
	assert.Equal(t, "nature_areas", d.Name)
	assert.Equal(t, KindWFS, d.Kind)
	assert.Equal(t, 500, d.PageSize)
	assert.Equal(t, "Bearer ${TOKEN}", d.Headers["Authorization"])
	assert.Equal(t, []string{"natyp_navn"}, d.Aggregation.GroupBy)
	assert.Equal(t, []model.Stat{model.StatCount, model.StatAvg}, d.Aggregation.Stats)
	require.Len(t, d.ValueMaps, 1)
	assert.Equal(t, "natyp_navn", d.ValueMaps[0].From)
	assert.Equal(t, "wet", d.ValueMaps[0].Values["Mose"])
}

func TestParseCatalog_Empty(t *testing.T) {
	defs, err := ParseCatalog(nil)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestParseCatalog_UnknownField(t *testing.T) {
	_, err := ParseCatalog([]byte("sources:\n  - name: a\n    kind: wfs\n    pagesize: 3\n"))
	assert.Error(t, err)
}

func TestParseCatalog_InvalidDefinition(t *testing.T) {
	_, err := ParseCatalog([]byte("sources:\n  - name: a\n    kind: wfs\n"))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	defs, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
