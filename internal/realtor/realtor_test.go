package realtor

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"jsontosql/internal/analyzer"
)

func decodeDoc(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

// TestHookRoot covers the root mutations: generated ids for id-less lists,
// junk removal, MLS number digits, tick timestamps and 12-hour dates.
func TestHookRoot(t *testing.T) {
	t.Parallel()

	doc := decodeDoc(t, `{
		"MlsNumber": "M1234567",
		"Distance": "",
		"InsertedDateUTC": "638084736000000000",
		"PriceChangeDateUTC": "2024-02-03 04:05:06 PM",
		"Media": [{"MediaType": "photo"}],
		"Tags": [{"Label": "Open House"}]
	}`)
	Hook("$", doc)

	if doc["MlsNumber"] != int64(1234567) {
		t.Fatalf("MlsNumber = %#v", doc["MlsNumber"])
	}
	if _, ok := doc["Distance"]; ok {
		t.Fatal("Distance must be removed")
	}
	if doc["InsertedDateUTC"] != "2023-01-05T00:00:00" {
		t.Fatalf("InsertedDateUTC = %#v", doc["InsertedDateUTC"])
	}
	if doc["PriceChangeDateUTC"] != "2024-02-03T16:05:06" {
		t.Fatalf("PriceChangeDateUTC = %#v", doc["PriceChangeDateUTC"])
	}

	media := doc["Media"].([]any)[0].(map[string]any)
	if _, ok := media["MediaGeneratedId"].(int64); !ok {
		t.Fatalf("MediaGeneratedId = %#v, want int64 hash", media["MediaGeneratedId"])
	}
	tags := doc["Tags"].([]any)[0].(map[string]any)
	if _, ok := tags["TagsGeneratedId"].(int64); !ok {
		t.Fatalf("TagsGeneratedId = %#v, want int64 hash", tags["TagsGeneratedId"])
	}
}

// TestHookRootLeavesUnparsableDates keeps values the layout does not match.
func TestHookRootLeavesUnparsableDates(t *testing.T) {
	t.Parallel()

	doc := decodeDoc(t, `{"PriceChangeDateUTC": "soon"}`)
	Hook("$", doc)
	if doc["PriceChangeDateUTC"] != "soon" {
		t.Fatalf("PriceChangeDateUTC = %#v, want untouched", doc["PriceChangeDateUTC"])
	}
}

// TestHookProperty covers photo collapsing, parking flattening, junk removal
// and price rounding.
func TestHookProperty(t *testing.T) {
	t.Parallel()

	doc := decodeDoc(t, `{
		"Photo": [{"HighResPath": "h.jpg", "LowResPath": "l.jpg", "MedResPath": "m.jpg", "LastUpdated": "2024-01-02 03:04:05 PM"}],
		"Parking": [{"Name": "Garage"}, {"Name": "Driveway"}],
		"OwnershipTypeGroupIds": [1, 2],
		"PriceUnformattedValue": 399000.6
	}`)
	Hook("$.Property", doc)

	photo, ok := doc["Photo"].(map[string]any)
	if !ok {
		t.Fatalf("Photo = %#v, want single mapping", doc["Photo"])
	}
	if _, ok := photo["LowResPath"]; ok {
		t.Fatal("LowResPath must be removed")
	}
	if photo["HighResPath"] != "h.jpg" || photo["LastUpdated"] != "2024-01-02T15:04:05" {
		t.Fatalf("photo = %#v", photo)
	}
	if doc["Parking"] != "Garage,Driveway" {
		t.Fatalf("Parking = %#v", doc["Parking"])
	}
	if _, ok := doc["OwnershipTypeGroupIds"]; ok {
		t.Fatal("OwnershipTypeGroupIds must be removed")
	}
	if doc["PriceUnformattedValue"] != int64(399001) {
		t.Fatalf("PriceUnformattedValue = %#v", doc["PriceUnformattedValue"])
	}
}

// TestHookPropertyEmptyPhoto maps an empty photo list to nil.
func TestHookPropertyEmptyPhoto(t *testing.T) {
	t.Parallel()

	doc := decodeDoc(t, `{"Photo": []}`)
	Hook("$.Property", doc)
	if doc["Photo"] != nil {
		t.Fatalf("Photo = %#v, want nil", doc["Photo"])
	}
}

// TestHookIndividual covers organization wrapping and contact-card
// simplification.
func TestHookIndividual(t *testing.T) {
	t.Parallel()

	doc := decodeDoc(t, `{
		"Organization": {"OrganizationID": 5},
		"Phones": [{"AreaCode": "514", "PhoneNumber": "555-1234"}],
		"Websites": [{"Website": "https://a.example"}, {"Website": "https://b.example"}],
		"Emails": [{"ContactId": "x@example.com"}]
	}`)
	Hook("$.Individual.[]", doc)

	org, ok := doc["Organization"].([]any)
	if !ok || len(org) != 1 {
		t.Fatalf("Organization = %#v, want one-element sequence", doc["Organization"])
	}
	phone := doc["Phones"].([]any)[0].(map[string]any)
	if phone["PhonesGeneratedId"] != int64(5145551234) {
		t.Fatalf("PhonesGeneratedId = %#v", phone["PhonesGeneratedId"])
	}
	if doc["Websites"] != "https://a.example,https://b.example" {
		t.Fatalf("Websites = %#v", doc["Websites"])
	}
	if doc["Emails"] != "x@example.com" {
		t.Fatalf("Emails = %#v", doc["Emails"])
	}
}

// TestHookAddressAndOpenHouse covers the suffix- and substring-matched
// paths.
func TestHookAddressAndOpenHouse(t *testing.T) {
	t.Parallel()

	addr := decodeDoc(t, `{"AddressText": "x", "DisseminationArea": "y"}`)
	Hook("$.Property.Address", addr)
	if _, ok := addr["DisseminationArea"]; ok {
		t.Fatal("DisseminationArea must be removed")
	}

	oh := decodeDoc(t, `{"StartDateTime": "15/03/2024 01:00:00 PM"}`)
	Hook("$.OpenHouse.[]", oh)
	if oh["StartDateTime"] != "2024-03-15T13:00:00" {
		t.Fatalf("StartDateTime = %#v", oh["StartDateTime"])
	}
}

// TestHookNestedWalk runs the hook through a full pre-order walk: the
// organization wrapped at the agent level must itself be visited so its
// phones get generated ids.
func TestHookNestedWalk(t *testing.T) {
	t.Parallel()

	doc := decodeDoc(t, `{
		"Individual": [{
			"IndividualID": 1,
			"Organization": {"OrganizationID": 5, "Phones": [{"AreaCode": "819", "PhoneNumber": "555-0000"}]}
		}]
	}`)
	p := analyzer.NewPass(analyzer.Options{Hook: Hook})
	p.ApplyHook(doc, analyzer.Root())

	agent := doc["Individual"].([]any)[0].(map[string]any)
	org := agent["Organization"].([]any)[0].(map[string]any)
	phone := org["Phones"].([]any)[0].(map[string]any)
	if phone["PhonesGeneratedId"] != int64(8195550000) {
		t.Fatalf("PhonesGeneratedId = %#v", phone["PhonesGeneratedId"])
	}
}

// TestConvertInteriorSizeToSQFT covers both units and malformed input.
func TestConvertInteriorSizeToSQFT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want float64
	}{
		{"1200 sqft", 1200},
		{"100 m2", 1076.4},
		{"5 acres", 0},
		{"big", 0},
		{"", 0},
	}
	for _, tc := range cases {
		// The m2 conversion multiplies floats, so compare within an epsilon.
		if got := ConvertInteriorSizeToSQFT(tc.in); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("ConvertInteriorSizeToSQFT(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// TestComputed stamps derived columns onto the root document.
func TestComputed(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"Building": map[string]any{"SizeInterior": "1000 sqft"},
		"Property": map[string]any{"PriceUnformattedValue": int64(500000), "Price": "$500,000"},
	}
	Computed(doc, "2024-03-01")

	if doc["ComputedSQFT"] != int64(1000) {
		t.Fatalf("ComputedSQFT = %#v", doc["ComputedSQFT"])
	}
	if doc["ComputedPricePerSQFT"] != int64(500) {
		t.Fatalf("ComputedPricePerSQFT = %#v", doc["ComputedPricePerSQFT"])
	}
	if doc["ComputedLastUpdated"] != "2024-03-01" {
		t.Fatalf("ComputedLastUpdated = %#v", doc["ComputedLastUpdated"])
	}
	if doc["ComputedNewBuild"] != false {
		t.Fatalf("ComputedNewBuild = %#v", doc["ComputedNewBuild"])
	}
}

// TestComputedNewBuild folds the sales tax into new-build prices.
func TestComputedNewBuild(t *testing.T) {
	t.Parallel()

	property := map[string]any{
		"PriceUnformattedValue": int64(400000),
		"Price":                 "$400,000 GST +  QST",
	}
	doc := map[string]any{"Property": property}
	Computed(doc, "2024-03-01")

	if doc["ComputedNewBuild"] != true {
		t.Fatalf("ComputedNewBuild = %#v", doc["ComputedNewBuild"])
	}
	if property["PriceUnformattedValue"] != int64(459900) {
		t.Fatalf("PriceUnformattedValue = %#v, want tax folded in", property["PriceUnformattedValue"])
	}
}

// TestComputedMissingSize leaves the derived size columns null.
func TestComputedMissingSize(t *testing.T) {
	t.Parallel()

	doc := map[string]any{}
	Computed(doc, "2024-03-01")
	if doc["ComputedSQFT"] != nil || doc["ComputedPricePerSQFT"] != nil {
		t.Fatalf("doc = %#v, want nil size columns", doc)
	}
}

// TestHistoryWiring pins the price-history configuration.
func TestHistoryWiring(t *testing.T) {
	t.Parallel()

	h := History()
	if h.Table != "PriceHistory" || h.SubjectKey != "MlsNumber" || h.ValueKey != "Property_PriceUnformattedValue" {
		t.Fatalf("history = %+v", h)
	}
	if h.Columns.Subject != "MlsNumber" || h.Columns.Value != "Price" || h.Columns.Date != "Date" {
		t.Fatalf("columns = %+v", h.Columns)
	}
}

// TestMinimalColumns sanity-checks the allow-list.
func TestMinimalColumns(t *testing.T) {
	t.Parallel()

	cols := MinimalColumns()
	for _, want := range []string{"Id", "MlsNumber", "Property_PriceUnformattedValue"} {
		found := false
		for _, c := range cols {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("minimal columns missing %q", want)
		}
	}
}
