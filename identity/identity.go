// Package identity supplies the two stable identifiers every famcall client
// instance carries: a group identity shared by all devices of the same family,
// and a participant identity unique to the running instance.
//
// The group identity is derived deterministically from the shared family
// secret, so every device configured with the same secret computes the same
// group address without any coordination. The participant identity is a fresh
// UUID per running instance.
package identity

import (
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Domain separation prefixes for the two values derived from the family
// secret. Changing either invalidates every deployed group address.
const (
	groupIDContext = "famcall/group-id/v1"
	sealKeyContext = "famcall/seal-key/v1"
)

// GroupID is the family-wide identity shared by every device of the group.
// It is the broadcast address on the signal transport.
type GroupID string

// ParticipantID uniquely identifies one running client instance. It is the
// direct address on the signal transport.
type ParticipantID string

// ErrEmptySecret indicates the family secret was empty.
var ErrEmptySecret = errors.New("family secret cannot be empty")

// Identity bundles the identifiers owned by one client instance.
type Identity struct {
	Group       GroupID
	Participant ParticipantID
	DisplayName string
}

// New builds the identity for this instance from the shared family secret.
// The participant identity is freshly generated and never persisted; a
// restarted client is a new participant.
func New(familySecret, displayName string) (Identity, error) {
	group, err := DeriveGroup(familySecret)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		Group:       group,
		Participant: NewParticipant(),
		DisplayName: displayName,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"group_id":     id.Group,
		"participant":  id.Participant,
		"display_name": displayName,
	}).Debug("Identity created")

	return id, nil
}

// DeriveGroup computes the group identity from the family secret.
// Every device configured with the same secret derives the same GroupID.
func DeriveGroup(familySecret string) (GroupID, error) {
	if familySecret == "" {
		return "", ErrEmptySecret
	}

	sum := blake2b.Sum256([]byte(groupIDContext + familySecret))
	// 16 bytes is plenty for an address space of one family per secret.
	return GroupID(hex.EncodeToString(sum[:16])), nil
}

// SealKey derives the symmetric key used to seal signal payloads, proving
// group membership to receivers. Distinct from the GroupID derivation so the
// public address reveals nothing about the key.
func SealKey(familySecret string) (*[32]byte, error) {
	if familySecret == "" {
		return nil, ErrEmptySecret
	}

	sum := blake2b.Sum256([]byte(sealKeyContext + familySecret))
	key := new([32]byte)
	copy(key[:], sum[:])
	return key, nil
}

// NewParticipant generates a fresh participant identity.
func NewParticipant() ParticipantID {
	return ParticipantID(uuid.NewString())
}
