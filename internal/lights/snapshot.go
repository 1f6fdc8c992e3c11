package lights

import (
	"lmnop/internal/ha"
)

// Snapshot is the state of one light captured before an alert override
type Snapshot struct {
	EntityID   string
	State      string
	Brightness *int
	RGBColor   []int
	ColorTemp  *int
	Effect     string
}

// snapshotFromState captures the restorable attributes of a light
func snapshotFromState(s *ha.State) Snapshot {
	snap := Snapshot{
		EntityID: s.EntityID,
		State:    s.State,
	}

	if v, ok := intAttr(s.Attributes, "brightness"); ok {
		snap.Brightness = &v
	}
	if v, ok := intAttr(s.Attributes, "color_temp"); ok {
		snap.ColorTemp = &v
	}
	if rgb := intListAttr(s.Attributes, "rgb_color"); len(rgb) == 3 {
		snap.RGBColor = rgb
	}
	if effect, ok := s.Attributes["effect"].(string); ok {
		snap.Effect = effect
	}

	return snap
}

// restoreCall returns the light service and data that reproduce the snapshot.
// color_temp wins over rgb_color because fixtures treat them as exclusive modes.
func (s Snapshot) restoreCall() (string, map[string]interface{}) {
	data := map[string]interface{}{
		"entity_id": s.EntityID,
	}

	if s.State == "off" {
		return "turn_off", data
	}

	if s.Brightness != nil {
		data["brightness"] = *s.Brightness
	}
	if s.ColorTemp != nil {
		data["color_temp"] = *s.ColorTemp
	} else if s.RGBColor != nil {
		data["rgb_color"] = append([]int(nil), s.RGBColor...)
	}
	if s.Effect != "" {
		data["effect"] = s.Effect
	}

	return "turn_on", data
}

// intAttr reads a numeric attribute that may have been decoded from JSON
func intAttr(attrs map[string]interface{}, key string) (int, bool) {
	switch v := attrs[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// intListAttr reads a list of numbers such as rgb_color
func intListAttr(attrs map[string]interface{}, key string) []int {
	switch v := attrs[key].(type) {
	case []int:
		return append([]int(nil), v...)
	case []float64:
		out := make([]int, len(v))
		for i, f := range v {
			out[i] = int(f)
		}
		return out
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			default:
				return nil
			}
		}
		return out
	default:
		return nil
	}
}

// stringList reads an attribute that may be a single string or a list of strings
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
