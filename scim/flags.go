package scim

import "fmt"

// Per-endpoint configuration keys. IdP vendors gate PATCH shapes behind
// these, so the admin API stores them per endpoint rather than globally.
const (
	FlagAddMultipleMembers    = "MultiOpPatchRequestAddMultipleMembersToGroup"
	FlagRemoveMultipleMembers = "MultiOpPatchRequestRemoveMultipleMembersFromGroup"
	FlagAllowRemoveAllMembers = "PatchOpAllowRemoveAllMembers"
	FlagVerbosePatch          = "VerbosePatchSupported"
	FlagLogLevel              = "logLevel"
)

// Flags is the decoded per-endpoint configuration. The zero value is the
// default for a freshly created endpoint: every toggle off.
type Flags struct {
	AddMultipleMembers    bool
	RemoveMultipleMembers bool
	AllowRemoveAllMembers bool
	VerbosePatch          bool
	LogLevel              string
}

// ParseFlags decodes an endpoint config map. Unknown keys are ignored so
// configs written by newer builds still load.
func ParseFlags(config map[string]any) (Flags, error) {
	var f Flags
	var err error
	if f.AddMultipleMembers, err = flagBool(config, FlagAddMultipleMembers); err != nil {
		return Flags{}, err
	}
	if f.RemoveMultipleMembers, err = flagBool(config, FlagRemoveMultipleMembers); err != nil {
		return Flags{}, err
	}
	if f.AllowRemoveAllMembers, err = flagBool(config, FlagAllowRemoveAllMembers); err != nil {
		return Flags{}, err
	}
	if f.VerbosePatch, err = flagBool(config, FlagVerbosePatch); err != nil {
		return Flags{}, err
	}
	if raw, ok := config[FlagLogLevel]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return Flags{}, fmt.Errorf("config %q: expected string, got %T", FlagLogLevel, raw)
		}
		f.LogLevel = s
	}
	return f, nil
}

func flagBool(config map[string]any, key string) (bool, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return false, nil
	}
	v, err := ParseLenientBool(raw)
	if err != nil {
		return false, fmt.Errorf("config %q: %w", key, err)
	}
	return v, nil
}

// ParseLenientBool accepts the boolean spellings observed from IdP
// consoles: JSON booleans, "True"/"False" in any case, and "1"/"0".
func ParseLenientBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true", "True", "TRUE", "1":
			return true, nil
		case "false", "False", "FALSE", "0":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %q", v)
	case float64:
		switch v {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean %v", v)
	}
	return false, fmt.Errorf("invalid boolean type %T", raw)
}
