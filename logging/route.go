package logging

// Route selects the events one sink receives. Empty lists match everything;
// events without a world (engine and process events) pass any world filter.
type Route struct {
	MinimumSeverity Severity
	Categories      []string
	Worlds          []string
}

// Match reports whether the route accepts the event.
func (r Route) Match(event Event) bool {
	if event.Severity < r.MinimumSeverity {
		return false
	}
	if len(r.Categories) > 0 && !contains(r.Categories, event.Category) {
		return false
	}
	if len(r.Worlds) > 0 && event.World != "" && !contains(r.Worlds, event.World) {
		return false
	}
	return true
}

// severityFloor is the minimum severity the router admits per category,
// falling back to the global minimum.
type severityFloor struct {
	global     Severity
	byCategory map[string]Severity
}

func newSeverityFloor(global Severity, byCategory map[string]Severity) severityFloor {
	floor := severityFloor{global: global}
	if len(byCategory) > 0 {
		floor.byCategory = make(map[string]Severity, len(byCategory))
		for category, severity := range byCategory {
			floor.byCategory[category] = severity
		}
	}
	return floor
}

func (f severityFloor) admits(event Event) bool {
	if floor, ok := f.byCategory[event.Category]; ok {
		return event.Severity >= floor
	}
	return event.Severity >= f.global
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
