package types

import (
	sf "github.com/tinode/snowflake"
)

// UidGenerator holds snowflake parameters. Ids are plain snowflake values:
// they are exposed on the wire as integers and need no masking.
type UidGenerator struct {
	seq *sf.SnowFlake
}

// Init initialises the Uid generator.
func (ug *UidGenerator) Init(workerID uint) error {
	var err error
	if ug.seq == nil {
		ug.seq, err = sf.NewSnowFlake(uint32(workerID))
	}
	return err
}

// Get generates a unique record id.
func (ug *UidGenerator) Get() Uid {
	id, err := ug.seq.Next()
	if err != nil {
		return ZeroUid
	}
	return Uid(id)
}

// GetStr generates a unique id and returns it as a base 10 string.
func (ug *UidGenerator) GetStr() string {
	return ug.Get().String()
}
