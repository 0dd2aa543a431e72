package store

import "encoding/binary"

// Key layout, all in one keyspace. Integers are big-endian so that byte
// order matches numeric order:
//
//	<table>\x00<id>                    primary record
//	<table>.values\x00<hash><id>       value index
//	<index>\x00<field><id>             secondary index
//	<table>.seq                        sequence lease
//	system                             system record
const sep = 0x00

var systemKey = []byte("system")

func prefix(name string) []byte {
	p := make([]byte, 0, len(name)+1+16)
	p = append(p, name...)
	return append(p, sep)
}

func primaryKey(table string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(prefix(table), id)
}

func valuePrefix(table string, hash uint64) []byte {
	return binary.BigEndian.AppendUint64(prefix(table+".values"), hash)
}

func valueKey(table string, hash, id uint64) []byte {
	return binary.BigEndian.AppendUint64(valuePrefix(table, hash), id)
}

func indexKey(index string, field, id uint64) []byte {
	k := binary.BigEndian.AppendUint64(prefix(index), field)
	return binary.BigEndian.AppendUint64(k, id)
}

func sequenceKey(table string) []byte {
	return []byte(table + ".seq")
}

// trailingID extracts the record ID stored in the last eight key bytes.
func trailingID(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
