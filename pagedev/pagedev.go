// Package pagedev implements the fixed-size random-access page store.
//
// Each physical page carries a self-describing header binding its PageId:
//
//	page := page_id u64 | payload_len u32 | crc32 u32 | payload | zeroes | trailer_crc32 u32
//
// crc32 covers the payload; the trailer covers everything before it. A read
// whose PageId does not match the stored one (a stale generation, a dropped
// or never-written page) fails with NotFound.
//
// Writes to one physical index are serialized by the caller; the page
// allocator arbitrates writers by bumping generations. Writing a generation
// at or below the stored one is a programming error.
package pagedev

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/bhaskarbora2/llfs/errors"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/storage"
)

const (
	headerSize  = 16
	trailerSize = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type PageDevice struct {
	dev pageid.DeviceIndex
	s   storage.PageStorage
}

func MkPageDevice(dev pageid.DeviceIndex, s storage.PageStorage) *PageDevice {
	return &PageDevice{dev: dev, s: s}
}

func (d *PageDevice) DeviceIndex() pageid.DeviceIndex {
	return d.dev
}

func (d *PageDevice) PageCount() uint32 {
	return d.s.PageCount()
}

func (d *PageDevice) PageSize() uint64 {
	return d.s.PageSize()
}

// MaxPayload returns the payload capacity of one page.
func (d *PageDevice) MaxPayload() uint64 {
	return d.s.PageSize() - headerSize - trailerSize
}

func (d *PageDevice) checkId(id pageid.PageId) {
	if id.Device() != d.dev {
		panic("pagedev: wrong device index")
	}
	if uint32(id.PhysIndex()) >= d.s.PageCount() {
		panic("pagedev: physical index out of range")
	}
}

// Read returns the payload of id. NotFound when the stored PageId differs
// (stale generation or dropped page); Corruption on checksum failure.
func (d *PageDevice) Read(id pageid.PageId) ([]byte, error) {
	d.checkId(id)
	raw, err := d.s.ReadPage(uint32(id.PhysIndex()))
	if err != nil {
		return nil, err
	}
	stored, payload, err := decodePage(raw)
	if err != nil {
		if pageIsZero(raw) {
			return nil, errors.E(errors.NotFound, "pagedev.Read", id.String())
		}
		return nil, err
	}
	if stored != id {
		return nil, errors.E(errors.NotFound, "pagedev.Read", id.String())
	}
	return payload, nil
}

// Write stores payload under id.
func (d *PageDevice) Write(id pageid.PageId, payload []byte) error {
	d.checkId(id)
	if uint64(len(payload)) > d.MaxPayload() {
		return errors.E(errors.Invalid, "pagedev.Write", "payload exceeds page size")
	}
	raw, err := d.s.ReadPage(uint32(id.PhysIndex()))
	if err != nil {
		return err
	}
	if stored, _, derr := decodePage(raw); derr == nil && stored.Generation() >= id.Generation() {
		panic("pagedev: write with stale generation")
	}
	return d.s.WritePage(uint32(id.PhysIndex()), encodePage(id, payload, d.s.PageSize()))
}

// Drop releases id's physical page.
func (d *PageDevice) Drop(id pageid.PageId) error {
	d.checkId(id)
	return d.s.DropPage(uint32(id.PhysIndex()))
}

// Flush makes all preceding writes durable.
func (d *PageDevice) Flush() error {
	return d.s.Flush()
}

func (d *PageDevice) Close() error {
	return d.s.Close()
}

func encodePage(id pageid.PageId, payload []byte, pageSize uint64) []byte {
	enc := marshal.NewEnc(pageSize)
	enc.PutInt(uint64(id))
	enc.PutInt32(uint32(len(payload)))
	enc.PutInt32(crc32.Checksum(payload, castagnoli))
	enc.PutBytes(payload)
	b := enc.Finish()
	binary.LittleEndian.PutUint32(b[pageSize-trailerSize:],
		crc32.Checksum(b[:pageSize-trailerSize], castagnoli))
	return b
}

func decodePage(raw []byte) (pageid.PageId, []byte, error) {
	pageSize := uint64(len(raw))
	trailer := binary.LittleEndian.Uint32(raw[pageSize-trailerSize:])
	if crc32.Checksum(raw[:pageSize-trailerSize], castagnoli) != trailer {
		return pageid.Null, nil, errors.E(errors.Corruption, "pagedev.decodePage", "trailer checksum mismatch")
	}
	dec := marshal.NewDec(raw)
	id := pageid.PageId(dec.GetInt())
	n := dec.GetInt32()
	sum := dec.GetInt32()
	if uint64(n) > pageSize-headerSize-trailerSize {
		return pageid.Null, nil, errors.E(errors.Corruption, "pagedev.decodePage", "bad payload length")
	}
	payload := raw[headerSize : headerSize+uint64(n)]
	if crc32.Checksum(payload, castagnoli) != sum {
		return pageid.Null, nil, errors.E(errors.Corruption, "pagedev.decodePage", "payload checksum mismatch")
	}
	return id, payload, nil
}

func pageIsZero(raw []byte) bool {
	for _, b := range raw {
		if b != 0 {
			return false
		}
	}
	return true
}
