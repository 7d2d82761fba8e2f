package remote

import (
	"errors"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

// peer id of the authoritative side as seen from a replica.
// As a send target on the authoritative side it means every replica.
var AuthoritativeId = Id{}

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

// ulids are ordered by create time
func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
