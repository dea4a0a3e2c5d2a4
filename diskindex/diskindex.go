// Package diskindex persists a *ptrindex.Index to a simple fixed-record
// binary file so a repeated scan against an unchanged process image can
// skip re-reading memory. It is optional: cmd/pointerchain only touches
// it behind --cache (and, for the ELF symbol hints in symbols.go,
// behind --symbols), and the in-memory index built by ptrindex.Build
// remains the authoritative path (spec §9 Open Question).
//
// Entries are written value-sorted, matching the in-memory Index's own
// invariant, so Read needs no re-sort.
package diskindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"pointerchain/ptrindex"
	"pointerchain/region"
)

// recordHeaderSize is the encoded size of one record's fixed header:
// storage (8), value (8), region start (8), region end (8), offset (8),
// tag (4), present (1), name length (2). The name's bytes follow the
// header unpadded.
const recordHeaderSize = 8 + 8 + 8 + 8 + 8 + 4 + 1 + 2

var magic = [4]byte{'P', 'C', 'I', 'X'}

// Write encodes idx's entries to path as a sequence of fixed-header
// records, sorted by value in ascending order so the file itself reads
// back already sorted.
func Write(path string, idx *ptrindex.Index) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("diskindex: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}

	entries := append([]ptrindex.Entry(nil), idx.Entries()...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })

	for _, e := range entries {
		if err := writeEntry(w, e); err != nil {
			return fmt.Errorf("diskindex: write entry: %w", err)
		}
	}
	return w.Flush()
}

func writeEntry(w io.Writer, e ptrindex.Entry) error {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(e.Storage))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(e.Value))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(e.Static.Region.Start))
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(e.Static.Region.End))
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(e.Static.Offset))
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(e.Static.Region.Tag))
	if e.Static.Present {
		hdr[44] = 1
	}
	name := e.Static.Region.Name
	binary.LittleEndian.PutUint16(hdr[45:47], uint16(len(name)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, name)
	return err
}

// Read loads every record from path back into an *ptrindex.Index,
// value-sorted (the on-disk order already satisfies this).
func Read(path string) (*ptrindex.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diskindex: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("diskindex: read magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("diskindex: %s is not a pointerchain index file", path)
	}

	var entries []ptrindex.Entry
	for {
		e, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diskindex: read entry: %w", err)
		}
		entries = append(entries, e)
	}

	return ptrindex.NewPrebuilt(entries), nil
}

func readEntry(r io.Reader) (ptrindex.Entry, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ptrindex.Entry{}, err
	}
	nameLen := binary.LittleEndian.Uint16(hdr[45:47])
	nameBuf := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return ptrindex.Entry{}, err
		}
	}

	e := ptrindex.Entry{
		Storage: region.Address(binary.LittleEndian.Uint64(hdr[0:8])),
		Value:   region.Address(binary.LittleEndian.Uint64(hdr[8:16])),
		Static: ptrindex.StaticTag{
			Region: region.Region{
				Start: region.Address(binary.LittleEndian.Uint64(hdr[16:24])),
				End:   region.Address(binary.LittleEndian.Uint64(hdr[24:32])),
				Tag:   region.Tag(binary.LittleEndian.Uint32(hdr[40:44])),
				Name:  string(nameBuf),
			},
			Offset:  int64(binary.LittleEndian.Uint64(hdr[32:40])),
			Present: hdr[44] == 1,
		},
	}
	return e, nil
}
