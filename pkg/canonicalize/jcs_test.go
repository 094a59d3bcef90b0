package canonicalize

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

func evidence() contracts.Evidence {
	at := contracts.Coordinates{Latitude: -1.29, Longitude: 36.82}
	return contracts.Evidence{
		Farm: contracts.FarmRecord{FarmID: "F1", OwnerAddress: "addr-A", LandArea: 12.5, Coordinates: at},
		Observation: contracts.Observation{
			ImageRef:         "s2://scene",
			CapturedAt:       time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
			Coordinates:      at,
			ResolutionMeters: 10,
			CloudCoverPct:    10,
		},
		Analysis: contracts.AnalysisResult{
			CarbonSequesteredTons: 45.50,
			ConfidenceScore:       0.9,
			ModelVersion:          "CarbonNet-v2.1.0",
			VegetationIndex:       0.72,
			SoilCarbonContent:     45,
		},
	}
}

func TestJCS_Evidence(t *testing.T) {
	got, err := JCS(evidence())
	require.NoError(t, err)

	want := `{"analysis":{"biomass_estimate":0,"carbon_sequestered_tons":45.5,"confidence_score":0.9,` +
		`"model_version":"CarbonNet-v2.1.0","soil_carbon_content":45,"vegetation_index":0.72},` +
		`"farm":{"coordinates":{"latitude":-1.29,"longitude":36.82},"farm_id":"F1","land_area":12.5,"owner_address":"addr-A"},` +
		`"observation":{"captured_at":"2026-05-01T09:30:00Z","cloud_cover_pct":10,` +
		`"coordinates":{"latitude":-1.29,"longitude":36.82},"image_ref":"s2://scene","resolution_meters":10}}`
	assert.Equal(t, want, string(got))
}

func TestCanonicalHash_IndependentOfDecodedShape(t *testing.T) {
	ev := evidence()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))

	fromStruct, err := CanonicalHash(ev)
	require.NoError(t, err)
	fromMap, err := CanonicalHash(generic)
	require.NoError(t, err)
	assert.Equal(t, fromStruct, fromMap)
}

func TestCanonicalHash_CommitsToClaim(t *testing.T) {
	base, err := CanonicalHash(evidence())
	require.NoError(t, err)

	inflated := evidence()
	inflated.Analysis.CarbonSequesteredTons = 4000
	h, err := CanonicalHash(inflated)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	moved := evidence()
	moved.Farm.OwnerAddress = "addr-B"
	h, err = CanonicalHash(moved)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

func TestJCS_PracticesNotHTMLEscaped(t *testing.T) {
	farm := contracts.FarmRecord{FarmID: "F1", Practices: []string{"mulch <2cm> & cover crops"}}
	got, err := JCS(farm)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"practices":["mulch <2cm> & cover crops"]`)
}

func TestCanonicalHash_NFCEquivalentCrops(t *testing.T) {
	composed := contracts.FarmRecord{FarmID: "F1", CropType: "caf\u00e9"}
	decomposed := contracts.FarmRecord{FarmID: "F1", CropType: "cafe\u0301"}

	h1, err := CanonicalHash(composed)
	require.NoError(t, err)
	h2, err := CanonicalHash(decomposed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestDigest_CarriesCanonicalHash(t *testing.T) {
	h, err := CanonicalHash(evidence())
	require.NoError(t, err)
	d, err := Digest(evidence())
	require.NoError(t, err)

	assert.Equal(t, "sha256", d.Algorithm().String())
	assert.Equal(t, h, d.Encoded())
}

func TestCanonicalHash_UnencodableClaim(t *testing.T) {
	ev := evidence()
	ev.Analysis.CarbonSequesteredTons = math.Inf(1)
	_, err := CanonicalHash(ev)
	assert.Error(t, err)
}
