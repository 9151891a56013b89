// Package realtor adapts the generic decomposition engine to realtor.ca
// listing documents: a mutation hook that cleans the raw feed, computed
// columns derived per snapshot, the minimal-mode column set and the price
// history wiring.
package realtor

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"jsontosql/internal/analyzer"
	"jsontosql/internal/ingest"
	"jsontosql/internal/storage"
)

const (
	// isoLayout matches the second-resolution ISO form dates normalize to.
	isoLayout = "2006-01-02T15:04:05"

	// csTicksEpochOffset is the offset between the .NET tick epoch
	// (0001-01-01) and the Unix epoch, in seconds. The feed's
	// InsertedDateUTC field carries .NET DateTime ticks.
	csTicksEpochOffset = 62135596800
)

// Feed date layouts. The feed mixes 12-hour timestamps, day-first open-house
// timestamps and plain 24-hour ones.
const (
	layout12h       = "2006-01-02 03:04:05 PM"
	layoutOpenHouse = "02/01/2006 03:04:05 PM"
	layout24h       = "2006-01-02 15:04:05"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Hook cleans one mapping of a raw listing in place. It is wired as the
// analyzer mutation hook, so it fires pre-order on every mapping.
func Hook(path string, item map[string]any) {
	switch {
	case path == "$":
		mutateRoot(item)
	case path == "$.Property":
		mutateProperty(item)
	case path == "$.Individual.[]":
		mutateIndividual(item)
		mutateContactCard(item)
	case path == "$.Individual.[].Organization.[]":
		mutateContactCard(item)
	}

	if strings.HasSuffix(path, "Address") {
		// Never carries data in the wild.
		delete(item, "DisseminationArea")
	}
	if strings.Contains(path, "OpenHouse") {
		reformatDate(item, "StartDateTime", layoutOpenHouse)
		reformatDate(item, "EndDateTime", layoutOpenHouse)
	}
}

func mutateRoot(item map[string]any) {
	// Media, Tags and OpenHouse elements have no natural identifier, so
	// each element gets a content hash id before decomposition.
	for _, key := range []string{"Media", "Tags", "OpenHouse"} {
		list, ok := item[key].([]any)
		if !ok {
			continue
		}
		for _, el := range list {
			rec, ok := el.(map[string]any)
			if !ok {
				continue
			}
			rec[key+"GeneratedId"] = analyzer.Fingerprint(rec)
		}
	}

	delete(item, "Distance")

	// Roughly 1 in 16000 MLS numbers is a letter plus digits; strip to the
	// digits so the column stays INTEGER.
	if s, ok := asString(item["MlsNumber"]); ok {
		if n, ok := digitsToInt64(s); ok {
			item["MlsNumber"] = n
		}
	}

	if s, ok := asString(item["InsertedDateUTC"]); ok && len(s) >= 11 {
		if ticks, err := strconv.ParseInt(s[:11], 10, 64); err == nil {
			item["InsertedDateUTC"] = time.Unix(ticks-csTicksEpochOffset, 0).UTC().Format(isoLayout)
		}
	}

	// The remaining date-ish root fields use a 12-hour clock.
	for _, key := range sortedKeys(item) {
		if key == "InsertedDateUTC" {
			continue
		}
		if strings.HasSuffix(key, "DateUTC") || strings.HasSuffix(key, "LastUpdated") {
			reformatDate(item, key, layout12h)
		}
	}
}

func mutateProperty(item map[string]any) {
	// Listings only ever expose one photo here; keep the first element and
	// drop the thumbnail paths so the photo flattens into the root record.
	if photos, ok := item["Photo"].([]any); ok {
		if len(photos) == 0 {
			item["Photo"] = nil
		} else if first, ok := photos[0].(map[string]any); ok {
			delete(first, "LowResPath")
			delete(first, "MedResPath")
			reformatDate(first, "LastUpdated", layout12h)
			item["Photo"] = first
		}
	}

	if parking, ok := item["Parking"].([]any); ok {
		item["Parking"] = joinField(parking, "Name")
	}

	delete(item, "OwnershipTypeGroupIds")

	// A few listings price with decimals; round to whole dollars.
	switch v := item["PriceUnformattedValue"].(type) {
	case string:
		item["PriceUnformattedValue"] = roundedPrice(v, v)
	case json.Number:
		item["PriceUnformattedValue"] = roundedPrice(v.String(), v)
	case float64:
		item["PriceUnformattedValue"] = int64(math.Round(v))
	}
}

func roundedPrice(s string, orig any) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(math.Round(f))
	}
	return orig
}

func mutateIndividual(item map[string]any) {
	// Multiple agents can share one organization, so the mapping becomes a
	// one-element sequence and decomposes into its own relation.
	if org, ok := item["Organization"].(map[string]any); ok {
		item["Organization"] = []any{org}
	}
	reformatDate(item, "AgentPhotoLastUpdated", layout24h)
}

// mutateContactCard applies to both agents and their organizations.
func mutateContactCard(item map[string]any) {
	if phones, ok := item["Phones"].([]any); ok {
		for _, el := range phones {
			rec, ok := el.(map[string]any)
			if !ok {
				continue
			}
			area, _ := asString(rec["AreaCode"])
			number, _ := asString(rec["PhoneNumber"])
			if n, ok := digitsToInt64(area + number); ok {
				rec["PhonesGeneratedId"] = n
			}
		}
	}
	if sites, ok := item["Websites"].([]any); ok {
		item["Websites"] = joinField(sites, "Website")
	}
	if emails, ok := item["Emails"].([]any); ok {
		item["Emails"] = joinField(emails, "ContactId")
	}
	reformatDate(item, "PhotoLastupdate", layout12h)
}

// reformatDate rewrites item[key] from layout to ISO form. Values that are
// missing, empty or fail to parse stay untouched; a later census sees them
// as plain strings either way.
func reformatDate(item map[string]any, key, layout string) {
	s, ok := asString(item[key])
	if !ok || s == "" {
		return
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return
	}
	item[key] = t.Format(isoLayout)
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case interface{ String() string }:
		return x.String(), true
	default:
		return "", false
	}
}

func digitsToInt64(s string) (int64, bool) {
	digits := nonDigits.ReplaceAllString(s, "")
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// joinField collapses a sequence of mappings to a comma-joined string of one
// field's values.
func joinField(list []any, key string) string {
	parts := make([]string, 0, len(list))
	for _, el := range list {
		rec, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := asString(rec[key]); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ConvertInteriorSizeToSQFT parses sizes like "1200 sqft" or "111.48 m2"
// into square feet. Unknown units yield 0.
func ConvertInteriorSizeToSQFT(sizeInterior string) float64 {
	parts := strings.SplitN(sizeInterior, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	switch parts[1] {
	case "sqft":
		return n
	case "m2":
		return n * 10.764
	default:
		return 0
	}
}

// Computed stamps the snapshot-derived columns onto the root document:
// interior size in sqft, price per sqft, the snapshot date, and the
// new-build flag with its tax adjustment. Wired as the ingest post-hook.
func Computed(doc map[string]any, snapshotDate string) {
	doc["ComputedSQFT"] = nil
	doc["ComputedPricePerSQFT"] = nil
	doc["ComputedLastUpdated"] = snapshotDate
	doc["ComputedNewBuild"] = false

	property, _ := doc["Property"].(map[string]any)
	building, _ := doc["Building"].(map[string]any)

	// New builds advertise "GST +  QST" pricing; fold the 14.975% tax
	// into the stored price so comparisons are apples to apples.
	if price, ok := asString(mapField(property, "Price")); ok && strings.Contains(price, "GST +  QST") {
		doc["ComputedNewBuild"] = true
		if raw, ok := mapField(property, "PriceUnformattedValue").(int64); ok {
			property["PriceUnformattedValue"] = int64(math.Round(float64(raw) * 1.14975))
		}
	}

	size, ok := asString(mapField(building, "SizeInterior"))
	if !ok || size == "" {
		return
	}
	sqft := int64(math.Round(ConvertInteriorSizeToSQFT(size)))
	if sqft <= 0 {
		return
	}
	doc["ComputedSQFT"] = sqft
	if price, ok := mapField(property, "PriceUnformattedValue").(int64); ok && price > 0 {
		doc["ComputedPricePerSQFT"] = int64(math.Round(float64(price) / float64(sqft)))
	}
}

func mapField(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

// ComputedColumns are the relation columns Computed fills in.
var ComputedColumns = []storage.ColumnSpec{
	{Name: "ComputedSQFT", Type: "INTEGER"},
	{Name: "ComputedPricePerSQFT", Type: "INTEGER"},
	{Name: "ComputedLastUpdated", Type: "TEXT"},
	{Name: "ComputedNewBuild", Type: "INTEGER"},
}

// ForceNullable lists columns that must stay nullable no matter what the
// census says; the feed populates Property_FarmType only for farm listings.
var ForceNullable = []string{"Property_FarmType"}

// MinimalColumns is the root-relation allow-list for minimal-mode output.
func MinimalColumns() []string {
	return []string{
		"AlternateURL_DetailsLink",
		"AlternateURL_VideoLink",
		"Building_BathroomTotal",
		"Building_Bedrooms",
		"Building_SizeExterior",
		"Building_SizeInterior",
		"Building_StoriesTotal",
		"Building_Type",
		"Building_UnitTotal",
		"Id",
		"InsertedDateUTC",
		"Land_SizeFrontage",
		"Land_SizeTotal",
		"MlsNumber",
		"PostalCode",
		"PriceChangeDateUTC",
		"Property_Address_AddressText",
		"Property_Address_Latitude",
		"Property_Address_Longitude",
		"Property_AmmenitiesNearBy",
		"Property_OwnershipType",
		"Property_Parking",
		"Property_ParkingSpaceTotal",
		"Property_Photo_HighResPath",
		"Property_PriceUnformattedValue",
		"Property_ZoningType",
		"Property_Type",
		"PublicRemarks",
		"RelativeDetailsURL",
	}
}

// History wires the PriceHistory table: one gated price observation per
// listing per snapshot.
func History() *ingest.HistorySpec {
	return &ingest.HistorySpec{
		Table:      "PriceHistory",
		SubjectKey: "MlsNumber",
		ValueKey:   "Property_PriceUnformattedValue",
		Columns:    storage.HistoryColumns{Subject: "MlsNumber", Value: "Price", Date: "Date"},
	}
}
