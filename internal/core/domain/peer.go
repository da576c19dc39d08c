package domain

import (
	"fmt"
	"strings"
)

// PeerID is the position of a peer in the federation config.
type PeerID uint16

func (p PeerID) String() string {
	return fmt.Sprintf("peer-%d", p)
}

type Capability uint8

const (
	CapPropose Capability = 1 << iota
	CapValidate
	CapSignShare
	CapCombine
)

// Role is the set of capabilities of a peer.
type Role struct {
	Name         string
	Capabilities Capability
}

var (
	RoleMint = Role{
		Name:         "mint",
		Capabilities: CapPropose | CapValidate | CapSignShare | CapCombine,
	}
	// RoleGateway follows committed epochs without taking part in consensus.
	RoleGateway = Role{
		Name:         "gateway",
		Capabilities: CapValidate | CapCombine,
	}
)

func (r Role) Can(c Capability) bool {
	return r.Capabilities&c == c
}

func (r Role) String() string {
	return r.Name
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case RoleMint.Name:
		return RoleMint, nil
	case RoleGateway.Name:
		return RoleGateway, nil
	default:
		return Role{}, fmt.Errorf("unknown peer role %s", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.Name), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Quorum holds the fault tolerance figures of a federation of n consensus peers.
type Quorum struct {
	N int
}

// F is the max number of faulty peers tolerated.
func (q Quorum) F() int {
	return (q.N - 1) / 3
}

// Threshold is the number of votes needed to commit: 2f+1.
func (q Quorum) Threshold() int {
	return q.N - q.F()
}

// OneHonest is the number of peers that includes at least one honest peer: f+1.
func (q Quorum) OneHonest() int {
	return q.F() + 1
}
