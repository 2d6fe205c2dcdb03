package room

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/shardtick/pkg/generic"
)

var ErrCorruptBlob = errors.New("room: corrupt blob")

var codecMagic = []byte("SHRM")

const codecVersion byte = 1

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)

	buffers = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)
)

// Encode serialises r as magic, version, then a zstd frame holding msgpack.
func Encode(r *Room) ([]byte, error) {
	buf := buffers.Get()
	defer buffers.Put(buf)
	if err := msgpack.NewEncoder(buf).Encode(r); err != nil {
		return nil, fmt.Errorf("msgpack encode room %s: %w", r.Name, err)
	}
	body := buf.Bytes()
	out := make([]byte, 0, len(codecMagic)+1+len(body)/2)
	out = append(out, codecMagic...)
	out = append(out, codecVersion)
	return encoder.EncodeAll(body, out), nil
}

func Decode(data []byte) (*Room, error) {
	if len(data) < len(codecMagic)+1 || !bytes.Equal(data[:len(codecMagic)], codecMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptBlob)
	}
	if v := data[len(codecMagic)]; v != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptBlob, v)
	}
	body, err := decoder.DecodeAll(data[len(codecMagic)+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	var r Room
	if err = msgpack.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	if r.Objects == nil {
		r.Objects = make(map[string]*Object)
	}
	return &r, nil
}

// EncodeObject serialises a single object for transfer between rooms.
func EncodeObject(o *Object) ([]byte, error) {
	data, err := msgpack.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode object %s: %w", o.ID, err)
	}
	return data, nil
}

func DecodeObject(data []byte) (*Object, error) {
	var o Object
	if err := msgpack.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	if o.ID == "" {
		return nil, fmt.Errorf("%w: object without id", ErrCorruptBlob)
	}
	return &o, nil
}
