// Package crypto parses the pod's ciphertext containers and wraps the
// symmetric primitive used to open them.
package crypto

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
)

// Container versions.
const (
	VersionLegacy   byte = 0x00 // no header, rotation id 0
	VersionRotating byte = 0x01 // pod id and rotation id header
)

// Layout constants shared by every version.
const (
	IVSize  = 16
	TagSize = 16
	KeySize = 32
)

var (
	errTruncated          = errors.New("container truncated")
	errUnsupportedVersion = errors.New("unsupported container version")
)

// Container is a parsed ciphertext container. Slices alias the input.
type Container struct {
	Version    byte
	PodID      uint32
	RotationID int64
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// ParseContainer decodes
//
//	v1: 0x01 | podId u32 | rotationId u64 | iv[16] | tag[16] | ciphertext
//	v0: 0x00 | iv[16] | tag[16] | ciphertext
func ParseContainer(b []byte) (*Container, error) {
	s := cryptobyte.String(b)
	var c Container
	if !s.ReadUint8(&c.Version) {
		return nil, errTruncated
	}
	switch c.Version {
	case VersionRotating:
		var rot uint64
		if !s.ReadUint32(&c.PodID) || !s.ReadUint64(&rot) {
			return nil, errTruncated
		}
		if rot > math.MaxInt64 {
			return nil, fmt.Errorf("rotation id out of range: %d", rot)
		}
		c.RotationID = int64(rot)
	case VersionLegacy:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", errUnsupportedVersion, c.Version)
	}
	if !s.ReadBytes(&c.IV, IVSize) || !s.ReadBytes(&c.Tag, TagSize) {
		return nil, errTruncated
	}
	c.Ciphertext = []byte(s)
	return &c, nil
}

// Marshal encodes c back into its wire form.
func (c *Container) Marshal() ([]byte, error) {
	if len(c.IV) != IVSize || len(c.Tag) != TagSize {
		return nil, errors.New("bad iv/tag length")
	}
	var b cryptobyte.Builder
	b.AddUint8(c.Version)
	switch c.Version {
	case VersionRotating:
		if c.RotationID < 0 {
			return nil, fmt.Errorf("negative rotation id: %d", c.RotationID)
		}
		b.AddUint32(c.PodID)
		b.AddUint64(uint64(c.RotationID))
	case VersionLegacy:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", errUnsupportedVersion, c.Version)
	}
	b.AddBytes(c.IV)
	b.AddBytes(c.Tag)
	b.AddBytes(c.Ciphertext)
	return b.Bytes()
}
