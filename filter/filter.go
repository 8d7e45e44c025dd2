// Package filter routes events to plugin subscribers by scope. A Filter names
// networks, device types, devices, an event kind and event names; each
// combination becomes a cell of a table keyed by typed wildcard keys.
package filter

import (
	"fmt"
	"slices"

	"github.com/c360/hiveroute/errors"
)

// Event kinds carried in Filter.EventName.
const (
	EventCommand       = "command"
	EventCommandUpdate = "command_update"
	EventNotification  = "notification"
)

// Filter describes which events a subscriber wants. A nil list or empty
// EventName means any value. A non-nil empty list matches nothing and is
// rejected by Validate.
//
// The slices carry no omitempty so the nil and empty cases survive JSON.
type Filter struct {
	NetworkIDs    []int64  `json:"networkIds"`
	DeviceTypeIDs []int64  `json:"deviceTypeIds"`
	DeviceIDs     []string `json:"deviceIds"`
	EventName     string   `json:"eventName,omitempty"`
	Names         []string `json:"names"`
}

// ForEvent returns the filter describing one concrete event. Zero ids and
// empty strings leave that position unscoped.
func ForEvent(networkID, deviceTypeID int64, deviceID, eventName, name string) Filter {
	f := Filter{EventName: eventName}
	if networkID != 0 {
		f.NetworkIDs = []int64{networkID}
	}
	if deviceTypeID != 0 {
		f.DeviceTypeIDs = []int64{deviceTypeID}
	}
	if deviceID != "" {
		f.DeviceIDs = []string{deviceID}
	}
	if name != "" {
		f.Names = []string{name}
	}
	return f
}

// Validate rejects filters that can never match.
func (f Filter) Validate() error {
	var field string
	switch {
	case f.NetworkIDs != nil && len(f.NetworkIDs) == 0:
		field = "networkIds"
	case f.DeviceTypeIDs != nil && len(f.DeviceTypeIDs) == 0:
		field = "deviceTypeIds"
	case f.DeviceIDs != nil && len(f.DeviceIDs) == 0:
		field = "deviceIds"
	case f.Names != nil && len(f.Names) == 0:
		field = "names"
	default:
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s is present but empty", errors.ErrInvalidFilter, field),
		"Filter", "Validate", "check scope lists")
}

// Keys expands the filter into the table cells it occupies.
func (f Filter) Keys() []Key {
	nets := scopes(f.NetworkIDs)
	types := scopes(f.DeviceTypeIDs)
	devices := scopes(f.DeviceIDs)
	names := scopes(f.Names)
	event := Any[string]()
	if f.EventName != "" {
		event = Exact(f.EventName)
	}

	keys := make([]Key, 0, len(nets)*len(types)*len(devices)*len(names))
	for _, n := range nets {
		for _, t := range types {
			for _, d := range devices {
				for _, name := range names {
					keys = append(keys, Key{
						First:  FirstKey{Network: n, DeviceType: t, Device: d},
						Second: SecondKey{EventName: event, Name: name},
					})
				}
			}
		}
	}
	return keys
}

// Equal reports whether both filters have the same scope lists.
func (f Filter) Equal(other Filter) bool {
	return f.EventName == other.EventName &&
		sameList(f.NetworkIDs, other.NetworkIDs) &&
		sameList(f.DeviceTypeIDs, other.DeviceTypeIDs) &&
		sameList(f.DeviceIDs, other.DeviceIDs) &&
		sameList(f.Names, other.Names)
}

// withoutDevice returns the filter with id dropped from DeviceIDs. changed
// is false when the filter never named id; alive is false when nothing is
// left to match.
func (f Filter) withoutDevice(id string) (narrowed Filter, changed, alive bool) {
	list, changed := without(f.DeviceIDs, id)
	f.DeviceIDs = list
	return f, changed, !changed || len(list) > 0
}

func (f Filter) withoutNetwork(id int64) (narrowed Filter, changed, alive bool) {
	list, changed := without(f.NetworkIDs, id)
	f.NetworkIDs = list
	return f, changed, !changed || len(list) > 0
}

func (f Filter) withoutDeviceType(id int64) (narrowed Filter, changed, alive bool) {
	list, changed := without(f.DeviceTypeIDs, id)
	f.DeviceTypeIDs = list
	return f, changed, !changed || len(list) > 0
}

func (f Filter) String() string {
	return fmt.Sprintf("filter{networks=%v types=%v devices=%v event=%q names=%v}",
		f.NetworkIDs, f.DeviceTypeIDs, f.DeviceIDs, f.EventName, f.Names)
}

func scopes[T comparable](list []T) []Scope[T] {
	if list == nil {
		return []Scope[T]{Any[T]()}
	}
	out := make([]Scope[T], 0, len(list))
	for _, v := range list {
		s := Exact(v)
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func without[T comparable](list []T, v T) ([]T, bool) {
	if list == nil || !slices.Contains(list, v) {
		return list, false
	}
	out := make([]T, 0, len(list)-1)
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out, true
}

func sameList[T comparable](a, b []T) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return slices.Equal(a, b)
}
