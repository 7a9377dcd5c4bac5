package model

// AllocationMode selects how the site power budget is distributed.
type AllocationMode string

const (
	// ModeStatic allocates proportionally to rated capacity regardless of
	// live charging state.
	ModeStatic AllocationMode = "static"
	// ModeDynamic favors connectors currently drawing power and falls back
	// to static when none are.
	ModeDynamic AllocationMode = "dynamic"
)

// SiteSetting holds the global allocation configuration for a site.
type SiteSetting struct {
	Mode      AllocationMode `json:"mode"`
	CeilingKW float64        `json:"ceiling_kw"`
}
