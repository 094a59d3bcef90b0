package contracts

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFarm() FarmRecord {
	return FarmRecord{
		FarmID:       "F1",
		OwnerAddress: "addr-A",
		LandArea:     12.5,
		Coordinates:  Coordinates{Latitude: -1.2921, Longitude: 36.8219},
		CropType:     "maize",
		Practices:    []string{"agroforestry"},
	}
}

func validObservation() Observation {
	return Observation{
		ImageRef:         "s2://T37MBU/2026-03-01",
		CapturedAt:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Coordinates:      Coordinates{Latitude: -1.2921, Longitude: 36.8219},
		ResolutionMeters: 10,
		CloudCoverPct:    10,
	}
}

func TestFarmRecord_Validate(t *testing.T) {
	require.NoError(t, validFarm().Validate())

	mutations := map[string]func(*FarmRecord){
		"empty id":      func(f *FarmRecord) { f.FarmID = " " },
		"empty owner":   func(f *FarmRecord) { f.OwnerAddress = "" },
		"zero area":     func(f *FarmRecord) { f.LandArea = 0 },
		"nan area":      func(f *FarmRecord) { f.LandArea = math.NaN() },
		"lat too high":  func(f *FarmRecord) { f.Coordinates.Latitude = 91 },
		"lon too small": func(f *FarmRecord) { f.Coordinates.Longitude = -180.5 },
	}
	for name, mutate := range mutations {
		f := validFarm()
		mutate(&f)
		err := f.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrInvalidFarmRecord), name)
	}
}

func TestObservation_Validate(t *testing.T) {
	require.NoError(t, validObservation().Validate())

	mutations := map[string]func(*Observation){
		"negative cloud":   func(o *Observation) { o.CloudCoverPct = -1 },
		"cloud above 100":  func(o *Observation) { o.CloudCoverPct = 100.1 },
		"zero resolution":  func(o *Observation) { o.ResolutionMeters = 0 },
		"bad latitude":     func(o *Observation) { o.Coordinates.Latitude = -90.01 },
		"missing captured": func(o *Observation) { o.CapturedAt = time.Time{} },
	}
	for name, mutate := range mutations {
		o := validObservation()
		mutate(&o)
		err := o.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrInvalidObservation), name)
	}
}

func TestValidateDocument(t *testing.T) {
	farm := []byte(`{"farm_id":"F1","owner_address":"addr-A","land_area":12.5,
		"coordinates":{"latitude":-1.29,"longitude":36.82},"crop_type":"maize","practices":["agroforestry"]}`)
	require.NoError(t, ValidateDocument(SchemaFarm, farm))

	badFarm := []byte(`{"farm_id":"F1","owner_address":"addr-A","land_area":-3,
		"coordinates":{"latitude":-1.29,"longitude":36.82}}`)
	err := ValidateDocument(SchemaFarm, badFarm)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFarmRecord))

	obs := []byte(`{"image_ref":"s2://scene","captured_at":"2026-03-01T08:00:00Z",
		"coordinates":{"latitude":-1.29,"longitude":36.82},"resolution_meters":10,"cloud_cover_pct":10}`)
	require.NoError(t, ValidateDocument(SchemaObservation, obs))

	cloudy := []byte(`{"image_ref":"s2://scene","captured_at":"2026-03-01T08:00:00Z",
		"coordinates":{"latitude":-1.29,"longitude":36.82},"resolution_meters":10,"cloud_cover_pct":140}`)
	err = ValidateDocument(SchemaObservation, cloudy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidObservation))

	workflow := []byte(`{"farm":` + string(farm) + `,"observation":` + string(obs) + `}`)
	require.NoError(t, ValidateDocument(SchemaWorkflow, workflow))

	require.Error(t, ValidateDocument(SchemaWorkflow, []byte(`{"farm":`)))
	require.Error(t, ValidateDocument("nope", farm))
}
