package canonicalize

import (
	"encoding/json"
	"testing"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// FuzzEvidenceHash checks that a record's evidence hashes the same after it
// has been through the JSON form the registry and content store persist.
func FuzzEvidenceHash(f *testing.F) {
	f.Add("F1", "addr-A", "maize", 45.5, 0.9, 10.0, int64(1777627800))
	f.Add("", "", "", 0.0, 0.0, 0.0, int64(0))
	f.Add("farm <&>", "0xAbC", "cafe\u0301", 1e-7, 1.0, 100.0, int64(-1))
	f.Add("F\x80", "addr", "caf\u00e9", 1e21, 0.5, 33.3, int64(253402300799))

	f.Fuzz(func(t *testing.T, farmID, owner, crop string, tons, confidence, cloud float64, capturedUnix int64) {
		ev := contracts.Evidence{
			Farm: contracts.FarmRecord{FarmID: farmID, OwnerAddress: owner, CropType: crop, LandArea: 1},
			Observation: contracts.Observation{
				ImageRef:      "s2://" + farmID,
				CapturedAt:    time.Unix(capturedUnix, 0).UTC(),
				CloudCoverPct: cloud,
			},
			Analysis: contracts.AnalysisResult{CarbonSequesteredTons: tons, ConfidenceScore: confidence},
		}
		want, err := CanonicalHash(ev)
		if err != nil {
			// NaN, infinities and out-of-range times have no JSON form.
			return
		}

		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("hashable evidence failed to marshal: %v", err)
		}
		var decoded contracts.Evidence
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("evidence did not decode: %v", err)
		}
		got, err := CanonicalHash(decoded)
		if err != nil {
			t.Fatalf("decoded evidence failed to hash: %v", err)
		}
		if got != want {
			t.Errorf("evidence hash changed across JSON round trip: %s != %s\n%s", want, got, raw)
		}

		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			t.Fatalf("evidence did not decode generically: %v", err)
		}
		if got, err := CanonicalHash(generic); err != nil || got != want {
			t.Errorf("generic evidence hashed to %s (err %v), want %s", got, err, want)
		}
	})
}

// FuzzFarmHashNFC checks that canonically equivalent farm descriptions
// commit to the same hash.
func FuzzFarmHashNFC(f *testing.F) {
	f.Add("F1", "caf\u00e9")
	f.Add("Gene\u0300ve", "\u1e9b\u0323")
	f.Add("\u1100\u1161", "\uac00")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, farmID, crop string) {
		if !utf8.ValidString(farmID) || !utf8.ValidString(crop) {
			t.Skip("invalid UTF-8")
		}
		composed := contracts.FarmRecord{
			FarmID:    norm.NFC.String(farmID),
			CropType:  norm.NFC.String(crop),
			Practices: []string{norm.NFC.String(crop)},
		}
		decomposed := contracts.FarmRecord{
			FarmID:    norm.NFD.String(farmID),
			CropType:  norm.NFD.String(crop),
			Practices: []string{norm.NFD.String(crop)},
		}

		h1, err := CanonicalHash(composed)
		if err != nil {
			t.Fatalf("composed farm failed to hash: %v", err)
		}
		h2, err := CanonicalHash(decomposed)
		if err != nil {
			t.Fatalf("decomposed farm failed to hash: %v", err)
		}
		if h1 != h2 {
			t.Errorf("NFC-equivalent farms hashed differently: %q vs %q", composed.CropType, decomposed.CropType)
		}
	})
}
