package link

import (
	"fmt"

	"github.com/srg/rblink/internal/device"
)

// State is the lifecycle stage of the single managed link.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	DiscoveringServices
	DiscoveringCharacteristics
	EnablingNotifications
	Ready
	Disconnected
)

var stateNames = [...]string{
	Idle:                       "idle",
	Scanning:                   "scanning",
	Connecting:                 "connecting",
	DiscoveringServices:        "discovering_services",
	DiscoveringCharacteristics: "discovering_characteristics",
	EnablingNotifications:      "enabling_notifications",
	Ready:                      "ready",
	Disconnected:               "disconnected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Linked reports whether a peripheral is attached in this state.
func (s State) Linked() bool {
	return s >= Connecting && s <= Ready
}

// Establishing reports whether the connect sequence is in progress.
func (s State) Establishing() bool {
	return s >= Connecting && s < Ready
}

// Role identifies one of the two characteristics of the vendor service.
type Role int

const (
	RoleCommand Role = iota
	RoleData
)

func (r Role) String() string {
	switch r {
	case RoleCommand:
		return "command"
	case RoleData:
		return "data"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// CharacteristicHandle addresses a characteristic by normalized service and characteristic UUIDs.
type CharacteristicHandle struct {
	Service string
	UUID    string
}

// NewCharacteristicHandle normalizes both UUIDs.
func NewCharacteristicHandle(service, uuid string) CharacteristicHandle {
	return CharacteristicHandle{Service: device.NormalizeUUID(service), UUID: device.NormalizeUUID(uuid)}
}

func (h CharacteristicHandle) IsZero() bool {
	return h.UUID == ""
}

func (h CharacteristicHandle) String() string {
	return device.ShortenUUID(h.Service) + "/" + device.ShortenUUID(h.UUID)
}

// CharacteristicRef holds the discovered handle for each role.
type CharacteristicRef map[Role]CharacteristicHandle

// Complete reports whether both roles are resolved.
func (r CharacteristicRef) Complete() bool {
	_, cmd := r[RoleCommand]
	_, data := r[RoleData]
	return cmd && data
}

// Clone returns an independent copy.
func (r CharacteristicRef) Clone() CharacteristicRef {
	out := make(CharacteristicRef, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
