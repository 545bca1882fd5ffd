package domain

import "strings"

// knownDroneOUIs is the built-in table of MAC OUI prefixes (first three
// octets) registered to consumer/commercial drone manufacturers, used by
// the monitor loop to raise a KnownDroneOui alert independent of
// behavioral analysis. Prefixes are uppercase, colon-separated, matching
// Identifier's canonical form.
var knownDroneOUIs = map[string]string{
	"60:60:1F": "DJI",
	"48:1C:B9": "DJI",
	"34:D2:62": "DJI",
	"A0:14:3D": "DJI",
	"E0:0A:F6": "Parrot",
	"90:03:B7": "Parrot",
}

// MatchKnownDroneOUI reports the manufacturer name for mac's OUI if it is
// present in the built-in known-drone table, and whether it matched.
func MatchKnownDroneOUI(mac Identifier) (string, bool) {
	s := string(mac)
	if len(s) < 8 {
		return "", false
	}
	prefix := s[:8]
	name, ok := knownDroneOUIs[prefix]
	return name, ok
}

// ManufacturerLooksLikeDrone does a coarse case-insensitive substring
// match against the sniffer-reported manufacturer string, used as a
// fallback when the OUI table misses but the sniffer's own vendor
// resolution recognizes a drone brand.
func ManufacturerLooksLikeDrone(manufacturer string) bool {
	m := strings.ToLower(manufacturer)
	for _, brand := range []string{"dji", "parrot", "autel", "yuneec", "skydio"} {
		if strings.Contains(m, brand) {
			return true
		}
	}
	return false
}
