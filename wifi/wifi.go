// Package wifi is the network-attachment and scan substrate used by both roles.
package wifi

import (
	"context"
	"errors"

	"rollcall/models"
)

var (
	// ErrJoinRejected indicates the platform refused to even request a join.
	ErrJoinRejected = errors.New("wifi: join request rejected")
	// ErrNoInterface indicates no usable wireless interface was found.
	ErrNoInterface = errors.New("wifi: no wireless interface")
)

// Handle identifies the attachment that was active before any peer join.
type Handle string

// Profile identifies a transient network profile created for one join.
type Profile string

// Group is a private network hosted by a responder.
type Group struct {
	NetworkName string
	Secret      string
	HostAddress string
	Profile     Profile
}

// Scanner starts wireless scans; results arrive asynchronously.
type Scanner interface {
	StartScan(ctx context.Context) (bool, error)
}

// Attachment joins, inspects and reverts the device's wireless attachment.
type Attachment interface {
	// Current returns the active wireless attachment, if any.
	Current(ctx context.Context) (Handle, bool, error)
	// Join requests association with a network and returns the transient profile it created.
	Join(ctx context.Context, networkName, secret string) (Profile, error)
	CurrentLinkState(ctx context.Context) (models.LinkState, error)
	RemoveProfile(ctx context.Context, profile Profile) error
	Restore(ctx context.Context, handle Handle) error
	Disconnect(ctx context.Context) error
}

// GroupHost creates and tears down a responder's private network.
type GroupHost interface {
	CreateGroup(ctx context.Context, name string) (Group, error)
	RemoveGroup(ctx context.Context, group Group) error
}
