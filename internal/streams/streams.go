// Package streams extracts boot-relevant locations from CoreOS-style
// stream metadata documents. The documents land in the artifact root like
// any other file; this helper only normalizes their shape for tooling.
package streams

import (
	"encoding/json"
	"fmt"
	"io"
)

// Locations is the normalized extraction of a stream document. Fields are
// empty when the document does not carry them.
type Locations struct {
	PXEFormat    string `json:"pxe_format,omitempty"`    // e.g. "ipxe"
	DiskLocation string `json:"disk_location,omitempty"` // disk image location
	RawXZ        string `json:"raw_xz,omitempty"`        // raw.xz entry
	Raw          string `json:"raw,omitempty"`           // raw entry
}

// Parse extracts the known keys from a decoded stream document. Feeds are
// inconsistent about shapes: "disk" may be an object with a "location" or a
// bare string, and "raw.xz"/"raw" may be bare strings.
func Parse(doc map[string]any) Locations {
	var loc Locations

	if pxe, ok := doc["pxe"].(map[string]any); ok {
		if format, ok := pxe["format"].(string); ok {
			loc.PXEFormat = format
		}
	}
	switch disk := doc["disk"].(type) {
	case map[string]any:
		if location, ok := disk["location"].(string); ok {
			loc.DiskLocation = location
		}
	case string:
		loc.DiskLocation = disk
	}
	if rawXZ, ok := doc["raw.xz"].(string); ok {
		loc.RawXZ = rawXZ
	}
	if raw, ok := doc["raw"].(string); ok {
		loc.Raw = raw
	}
	return loc
}

// Decode reads a JSON stream document and returns its normalized locations.
func Decode(r io.Reader) (Locations, error) {
	var doc map[string]any
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Locations{}, fmt.Errorf("decode stream document: %w", err)
	}
	return Parse(doc), nil
}
