// Package osmnet acquires the OpenStreetMap pedestrian network for a study
// area and turns it into a routable graph.
package osmnet

import (
	"strings"

	"github.com/paulmach/osm"
	"github.com/rotisserie/eris"
)

// NetworkType selects which ways are routable.
type NetworkType string

// NetworkWalk is the pedestrian network. It is the only supported type.
const NetworkWalk NetworkType = "walk"

// ParseNetworkType validates a configured network type.
func ParseNetworkType(s string) (NetworkType, error) {
	switch NetworkType(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkWalk, "":
		return NetworkWalk, nil
	default:
		return "", eris.Errorf("osmnet: unsupported network type %q (only %q)", s, NetworkWalk)
	}
}

// excludedHighway lists highway values that never carry pedestrians.
var excludedHighway = map[string]bool{
	"abandoned":     true,
	"bus_guideway":  true,
	"construction":  true,
	"cycleway":      true,
	"motorway":      true,
	"motorway_link": true,
	"trunk":         true,
	"trunk_link":    true,
	"planned":       true,
	"platform":      true,
	"proposed":      true,
	"raceway":       true,
	"razed":         true,
	"escape":        true,
	"busway":        true,
}

// overpassWalkFilter mirrors Walkable for the Overpass query.
const overpassWalkFilter = `["highway"]["area"!~"yes"]` +
	`["highway"!~"abandoned|bus_guideway|busway|construction|cycleway|escape|motor|planned|platform|proposed|raceway|razed|trunk"]` +
	`["foot"!~"no"]["access"!~"private"]["service"!~"private"]`

// Walkable reports whether a way with the given tags is part of the
// pedestrian network.
func Walkable(tags osm.Tags) bool {
	hw := tags.Find("highway")
	if hw == "" || excludedHighway[hw] {
		return false
	}
	if tags.Find("area") == "yes" {
		return false
	}
	if tags.Find("foot") == "no" {
		return false
	}
	if tags.Find("access") == "private" && tags.Find("foot") != "yes" {
		return false
	}
	return tags.Find("service") != "private"
}

// footOneway reports whether pedestrians may only walk in way direction
// (1), only against it (-1), or both ways (0).
func footOneway(tags osm.Tags) int {
	switch tags.Find("oneway:foot") {
	case "yes", "true", "1":
		return 1
	case "-1", "reverse":
		return -1
	}
	return 0
}
