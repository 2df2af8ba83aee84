package xirc

import (
	"sort"
	"strings"
)

// CapRegistry tracks the capabilities advertised and enabled on one side of
// a connection.
type CapRegistry struct {
	Available map[string]string
	Enabled   map[string]struct{}
}

func NewCapRegistry() CapRegistry {
	return CapRegistry{
		Available: make(map[string]string),
		Enabled:   make(map[string]struct{}),
	}
}

func (cr *CapRegistry) IsAvailable(name string) bool {
	_, ok := cr.Available[name]
	return ok
}

func (cr *CapRegistry) IsEnabled(name string) bool {
	_, ok := cr.Enabled[name]
	return ok
}

func (cr *CapRegistry) Del(name string) {
	delete(cr.Available, name)
	delete(cr.Enabled, name)
}

func (cr *CapRegistry) SetEnabled(name string, enabled bool) {
	if enabled {
		cr.Enabled[name] = struct{}{}
	} else {
		delete(cr.Enabled, name)
	}
}

// AddAvailable merges a CAP LS list into the set of available capabilities.
// Entries are "name" or "name=value" tokens separated by spaces.
func (cr *CapRegistry) AddAvailable(list string) {
	for _, s := range strings.Fields(list) {
		words := strings.SplitN(s, "=", 2)
		name := strings.ToLower(words[0])
		var value string
		if len(words) == 2 {
			value = words[1]
		}
		cr.Available[name] = value
	}
}

// FormatCapLS formats the available capability set as a CAP LS list. Values
// are included when version is at least 302. Names are sorted so that the
// output is deterministic.
func (cr *CapRegistry) FormatCapLS(version int) string {
	l := make([]string, 0, len(cr.Available))
	for name, value := range cr.Available {
		if value != "" && version >= 302 {
			l = append(l, name+"="+value)
		} else {
			l = append(l, name)
		}
	}
	sort.Strings(l)
	return strings.Join(l, " ")
}

// ParseCapReq splits a CAP REQ list into lowercase capability names. A
// leading '-' requests disabling the capability.
func ParseCapReq(list string) []string {
	caps := strings.Fields(list)
	for i, s := range caps {
		caps[i] = strings.ToLower(s)
	}
	return caps
}
