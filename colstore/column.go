package colstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/telarc/telarc"
)

const (
	// ColumnMagic identifies a column file.
	ColumnMagic = "TCOL"

	// ColumnVersion is the current on-disk format version.
	ColumnVersion = 1

	// ColumnHeaderSize is the fixed header length: magic + version + elem
	// kind + elem width + reserved padding.
	ColumnHeaderSize = 16
)

// Mode selects how a column is opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeAppend
	ModeTruncate
)

// Column is a single append-only array of fixed-width elements backed by one
// file. A column opened for append buffers writes; Sync flushes and fsyncs.
// Range reads are O(1) seeks into the data region.
type Column struct {
	mu sync.RWMutex

	path string
	typ  telarc.ElemType
	mode Mode

	file *os.File
	w    *bufio.Writer
	size int64 // bytes of element data, excluding header
}

// Open opens or creates the column at path. In append and truncate modes a
// missing file is created with typ as its schema; in read mode the file must
// exist. A non-zero typ that differs from the on-disk header fails with
// ErrSchemaMismatch.
func Open(path string, typ telarc.ElemType, mode Mode) (*Column, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if mode == ModeRead {
			return nil, err
		}
		if err := typ.Validate(); err != nil {
			return nil, err
		}
		if err := create(path, typ); err != nil {
			return nil, err
		}
	}

	c := &Column{path: path, mode: mode}
	if err := c.open(typ); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// create generates an empty column in a temp location and renames it into
// place so a crash never leaves a half-written header behind.
func create(path string, typ telarc.ElemType) error {
	f, err := os.Create(path + ".initializing")
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, ColumnHeaderSize)
	copy(hdr, ColumnMagic)
	hdr[4] = ColumnVersion
	hdr[5] = byte(typ.Kind)
	hdr[6] = byte(typ.Width)

	if _, err := f.Write(hdr); err != nil {
		return err
	} else if err := f.Sync(); err != nil {
		return err
	} else if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func (c *Column) open(typ telarc.ElemType) error {
	flag := os.O_RDONLY
	if c.mode != ModeRead {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(c.path, flag, 0666)
	if err != nil {
		return err
	}
	c.file = f

	hdr := make([]byte, ColumnHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return fmt.Errorf("%s: reading column header: %w", c.path, err)
	}
	if string(hdr[:4]) != ColumnMagic {
		return fmt.Errorf("%s: not a column file", c.path)
	}
	if hdr[4] != ColumnVersion {
		return fmt.Errorf("%s: unsupported column version %d", c.path, hdr[4])
	}
	c.typ = telarc.ElemType{Kind: telarc.ElemKind(hdr[5]), Width: int(hdr[6])}
	if err := c.typ.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.path, err)
	}
	if typ != (telarc.ElemType{}) && typ != c.typ {
		return fmt.Errorf("%s: open with %s, on disk %s: %w",
			c.path, typ, c.typ, telarc.ErrSchemaMismatch)
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	// A crash mid-append can leave a partial trailing element; expose only
	// whole rows. The ingest recovery sweep trims the file itself.
	c.size = (fi.Size() - ColumnHeaderSize) / int64(c.typ.Width) * int64(c.typ.Width)

	if c.mode != ModeRead {
		if _, err := f.Seek(ColumnHeaderSize+c.size, io.SeekStart); err != nil {
			return err
		}
		c.w = bufio.NewWriterSize(f, 32*1024)
	}
	return nil
}

// Path returns the file path backing the column.
func (c *Column) Path() string { return c.path }

// Type returns the on-disk element type.
func (c *Column) Type() telarc.ElemType { return c.typ }

// Length returns the number of stored elements.
func (c *Column) Length() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size / int64(c.typ.Width)
}

// AppendFloats appends numeric values, narrowing each to the column's
// on-disk element type. The column must not be a string column.
func (c *Column) AppendFloats(vals []float64) error {
	if c.typ.Kind == telarc.KindString {
		return fmt.Errorf("%s: numeric append to string column: %w", c.path, telarc.ErrSchemaMismatch)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return fmt.Errorf("%s: column not open for append", c.path)
	}

	buf := make([]byte, c.typ.Width)
	for _, v := range vals {
		encodeElem(buf, c.typ, v)
		if _, err := c.w.Write(buf); err != nil {
			return err
		}
	}
	c.size += int64(len(vals)) * int64(c.typ.Width)
	return nil
}

// AppendStrings appends fixed-width string values, padding or clipping each
// to the column width.
func (c *Column) AppendStrings(vals []string) error {
	if c.typ.Kind != telarc.KindString {
		return fmt.Errorf("%s: string append to %s column: %w", c.path, c.typ, telarc.ErrSchemaMismatch)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return fmt.Errorf("%s: column not open for append", c.path)
	}

	buf := make([]byte, c.typ.Width)
	for _, v := range vals {
		for i := range buf {
			buf[i] = 0
		}
		copy(buf, v)
		if _, err := c.w.Write(buf); err != nil {
			return err
		}
	}
	c.size += int64(len(vals)) * int64(c.typ.Width)
	return nil
}

// AppendBools appends a boolean array to a uint8 column (quality bits).
func (c *Column) AppendBools(vals []bool) error {
	fs := make([]float64, len(vals))
	for i, v := range vals {
		if v {
			fs[i] = 1
		}
	}
	return c.AppendFloats(fs)
}

// ReadFloats returns elements in the half-open row range [lo, hi) widened to
// float64.
func (c *Column) ReadFloats(lo, hi int64) ([]float64, error) {
	raw, err := c.readRaw(lo, hi)
	if err != nil {
		return nil, err
	}
	n := int(hi - lo)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = decodeElem(raw[i*c.typ.Width:], c.typ)
	}
	return out, nil
}

// ReadStrings returns string elements in [lo, hi) with padding trimmed.
func (c *Column) ReadStrings(lo, hi int64) ([]string, error) {
	if c.typ.Kind != telarc.KindString {
		return nil, fmt.Errorf("%s: string read from %s column: %w", c.path, c.typ, telarc.ErrSchemaMismatch)
	}
	raw, err := c.readRaw(lo, hi)
	if err != nil {
		return nil, err
	}
	n := int(hi - lo)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = strings.TrimRight(string(raw[i*c.typ.Width:(i+1)*c.typ.Width]), "\x00")
	}
	return out, nil
}

// ReadBools returns uint8 elements in [lo, hi) as booleans.
func (c *Column) ReadBools(lo, hi int64) ([]bool, error) {
	fs, err := c.ReadFloats(lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(fs))
	for i, v := range fs {
		out[i] = v != 0
	}
	return out, nil
}

// ReadFloatAt returns the single element at row i.
func (c *Column) ReadFloatAt(i int64) (float64, error) {
	vs, err := c.ReadFloats(i, i+1)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

func (c *Column) readRaw(lo, hi int64) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if lo < 0 || hi < lo || hi > c.size/int64(c.typ.Width) {
		return nil, fmt.Errorf("%s: row range [%d,%d) out of bounds (len %d)",
			c.path, lo, hi, c.size/int64(c.typ.Width))
	}
	// Reads must observe buffered appends.
	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			return nil, err
		}
	}
	raw := make([]byte, (hi-lo)*int64(c.typ.Width))
	if _, err := c.file.ReadAt(raw, ColumnHeaderSize+lo*int64(c.typ.Width)); err != nil {
		return nil, err
	}
	return raw, nil
}

// Sync flushes buffered appends and fsyncs the file.
func (c *Column) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			return err
		}
	}
	if c.file != nil {
		return c.file.Sync()
	}
	return nil
}

// Truncate shrinks the column to rowKeep elements and fsyncs. The column
// must be open in truncate mode.
func (c *Column) Truncate(rowKeep int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeTruncate {
		return fmt.Errorf("%s: column not open for truncate", c.path)
	}
	if rowKeep < 0 {
		rowKeep = 0
	}
	if rowKeep*int64(c.typ.Width) >= c.size {
		return nil
	}
	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			return err
		}
	}
	c.size = rowKeep * int64(c.typ.Width)
	if err := c.file.Truncate(ColumnHeaderSize + c.size); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return err
	}
	_, err := c.file.Seek(ColumnHeaderSize+c.size, io.SeekStart)
	if c.w != nil {
		c.w.Reset(c.file)
	}
	return err
}

// Close flushes and closes the file handle.
func (c *Column) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.w != nil {
		if e := c.w.Flush(); e != nil && err == nil {
			err = e
		}
		c.w = nil
	}
	if c.file != nil {
		if e := c.file.Close(); e != nil && err == nil {
			err = e
		}
		c.file = nil
	}
	return err
}

func encodeElem(buf []byte, typ telarc.ElemType, v float64) {
	switch typ.Kind {
	case telarc.KindFloat:
		if typ.Width == 4 {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		}
	case telarc.KindInt:
		putInt(buf, typ.Width, int64(v))
	case telarc.KindUint:
		putUint(buf, typ.Width, uint64(v))
	}
}

func decodeElem(buf []byte, typ telarc.ElemType) float64 {
	switch typ.Kind {
	case telarc.KindFloat:
		if typ.Width == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	case telarc.KindInt:
		return float64(getInt(buf, typ.Width))
	case telarc.KindUint:
		return float64(getUint(buf, typ.Width))
	}
	return 0
}

func putInt(buf []byte, width int, v int64) {
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
}

func getInt(buf []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(buf[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	case 8:
		return int64(binary.LittleEndian.Uint64(buf))
	}
	return 0
}

func putUint(buf []byte, width int, v uint64) {
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	}
}

func getUint(buf []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}
