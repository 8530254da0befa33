package device

import (
	"strings"
	"time"
)

// VendorTrait isolates the small set of per-manufacturer quirks a GigE
// Vision client has to know about: which feature name exposes the frame
// rate, whether gain is carried as a float or an integer register, the
// unit exposure time is expressed in, and whether a given feature name is
// implemented at all on that vendor's firmware. Everything else about a
// device is vendor-neutral GenICam register traffic.
type VendorTrait interface {
	FrameRateFeatureName() string
	GainIsFloat() bool
	ExposureTimeUnit() time.Duration
	FeatureImplemented(name string) bool
}

// genericTrait is the fallback used for any vendor/model with no
// registered trait: float registers, microsecond exposure, nothing
// excluded.
type genericTrait struct{}

func (genericTrait) FrameRateFeatureName() string        { return "AcquisitionFrameRate" }
func (genericTrait) GainIsFloat() bool                   { return true }
func (genericTrait) ExposureTimeUnit() time.Duration     { return time.Microsecond }
func (genericTrait) FeatureImplemented(name string) bool { return true }

// baslerTrait mirrors the vendor's legacy "Abs"-suffixed feature names on
// cameras predating the SFNC-standard names.
type baslerTrait struct{}

func (baslerTrait) FrameRateFeatureName() string    { return "AcquisitionFrameRateAbs" }
func (baslerTrait) GainIsFloat() bool               { return false }
func (baslerTrait) ExposureTimeUnit() time.Duration { return time.Microsecond }
func (baslerTrait) FeatureImplemented(name string) bool {
	return name != "AcquisitionFrameRateEnabled" // Basler spells this one without the trailing d
}

// prosilicaTrait always uses the legacy "Abs" feature name for frame rate.
type prosilicaTrait struct{}

func (prosilicaTrait) FrameRateFeatureName() string        { return "AcquisitionFrameRateAbs" }
func (prosilicaTrait) GainIsFloat() bool                   { return true }
func (prosilicaTrait) ExposureTimeUnit() time.Duration     { return time.Microsecond }
func (prosilicaTrait) FeatureImplemented(name string) bool { return true }

// ximeaTrait returns the same values as genericTrait on every method; no
// Ximea-specific feature is represented.
type ximeaTrait struct{}

func (ximeaTrait) FrameRateFeatureName() string    { return "AcquisitionFrameRate" }
func (ximeaTrait) GainIsFloat() bool                { return true }
func (ximeaTrait) ExposureTimeUnit() time.Duration  { return time.Microsecond }
func (ximeaTrait) FeatureImplemented(name string) bool {
	return true
}

type traitKey struct {
	vendor string
	prefix string
}

// traitRegistry is populated once at init and never mutated afterward, so
// lookupVendorTrait needs no locking.
var traitRegistry = map[traitKey]VendorTrait{
	{vendor: "basler"}:    baslerTrait{},
	{vendor: "prosilica"}: prosilicaTrait{},
	{vendor: "ximea"}:     ximeaTrait{},
}

// lookupVendorTrait finds the most specific registered trait for
// (vendorName, modelPrefix): an exact (vendor, model-prefix) match first,
// then a vendor-only match, then genericTrait. Matching is
// case-insensitive since DeviceVendorName strings vary in capitalization
// across firmware revisions.
func lookupVendorTrait(vendorName, modelName string) VendorTrait {
	v := strings.ToLower(strings.TrimSpace(vendorName))
	m := strings.ToLower(strings.TrimSpace(modelName))
	for key, trait := range traitRegistry {
		if key.vendor == v && key.prefix != "" && strings.HasPrefix(m, key.prefix) {
			return trait
		}
	}
	if trait, ok := traitRegistry[traitKey{vendor: v}]; ok {
		return trait
	}
	return genericTrait{}
}
