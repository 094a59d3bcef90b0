package contracts

import (
	"fmt"
	"math"
	"strings"
)

// Coordinates is a WGS84 position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the position lies inside the WGS84 domain.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// FarmRecord identifies a registered land parcel. It is supplied by the farm
// registry and is treated as immutable once a report references it.
type FarmRecord struct {
	FarmID       string      `json:"farm_id"`
	OwnerAddress string      `json:"owner_address"`
	LandArea     float64     `json:"land_area"` // hectares
	Coordinates  Coordinates `json:"coordinates"`
	CropType     string      `json:"crop_type,omitempty"`
	Practices    []string    `json:"practices,omitempty"`
}

// Validate checks the farm record, returning an error wrapping ErrInvalidFarmRecord.
func (f FarmRecord) Validate() error {
	if strings.TrimSpace(f.FarmID) == "" {
		return fmt.Errorf("%w: farm_id is required", ErrInvalidFarmRecord)
	}
	if strings.TrimSpace(f.OwnerAddress) == "" {
		return fmt.Errorf("%w: owner_address is required", ErrInvalidFarmRecord)
	}
	if !(f.LandArea > 0) || math.IsInf(f.LandArea, 0) {
		return fmt.Errorf("%w: land_area must be positive, got %v", ErrInvalidFarmRecord, f.LandArea)
	}
	if !f.Coordinates.Valid() {
		return fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrInvalidFarmRecord,
			f.Coordinates.Latitude, f.Coordinates.Longitude)
	}
	return nil
}
