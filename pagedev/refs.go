package pagedev

import (
	"encoding/binary"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
)

// Pages that reference other pages carry a ref-table prefix in their payload
// so the recycler can walk them without knowing the application's layout:
//
//	payload := n_refs u16 | ref u64 [n_refs] | data
//
// The bounds on n_refs (max branching) and reference depth are enforced by
// the producing application; the recycler checks them on recovered pages.

// MarshalRefs prepends the ref table to data.
func MarshalRefs(refs []pageid.PageId, data []byte) []byte {
	p := make([]byte, 2+8*len(refs)+len(data))
	binary.LittleEndian.PutUint16(p, uint16(len(refs)))
	for i, r := range refs {
		binary.LittleEndian.PutUint64(p[2+8*i:], uint64(r))
	}
	copy(p[2+8*len(refs):], data)
	return p
}

// UnmarshalRefs splits a payload into its ref table and data.
func UnmarshalRefs(payload []byte) ([]pageid.PageId, []byte, error) {
	if len(payload) < 2 {
		return nil, nil, errors.E(errors.Corruption, "pagedev.UnmarshalRefs", "short payload")
	}
	n := int(binary.LittleEndian.Uint16(payload))
	if len(payload) < 2+8*n {
		return nil, nil, errors.E(errors.Corruption, "pagedev.UnmarshalRefs", "truncated ref table")
	}
	refs := make([]pageid.PageId, n)
	for i := range refs {
		refs[i] = pageid.PageId(binary.LittleEndian.Uint64(payload[2+8*i:]))
	}
	return refs, payload[2+8*n:], nil
}
