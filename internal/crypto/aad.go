package icrypto

import (
	"encoding/binary"
)

const (
	aadRecord  = "RECORD"
	aadProfile = "PROFILE"
	aadETag    = "ETAG"
)

// AADRecord binds a sealed local cache record to its location so a record
// cannot be swapped into another table or row.
func AADRecord(namespace, recordType, recordID string, ver int) []byte {
	return buildAAD(aadRecord, namespace, recordType, recordID, ver)
}

func AADProfile(namespace string, ver int) []byte {
	return buildAAD(aadProfile, namespace, ver)
}

func AADETag(username string, ver int) []byte {
	return buildAAD(aadETag, username, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
