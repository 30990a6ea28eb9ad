// Package wire implements the transport-agnostic encode/decode law of
// spec.md §6 and §8.1: decode(encode(x)) == x for every semantic value
// that crosses a process boundary (chunk descriptions, used-storage
// records, collection state, addresses...). It is modeled on cmn/jsp's
// own doc comment ("JSON persistence... with optional checksumming and
// compression"): json-iterator for the codec, OneOfOne/xxhash for the
// checksum, pierrec/lz4 for optional payload compression above a size
// threshold.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
)

// compressAbove is the payload size past which Marshal applies lz4 -
// small chunk descriptions and addresses stay uncompressed so the
// common case pays no codec overhead.
const compressAbove = 512

const (
	flagPlain      byte = 0
	flagCompressed byte = 1
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v as JSON, optionally lz4-compresses it, and prefixes
// the result with a one-byte format flag and an 8-byte xxhash checksum
// of the (pre-compression) JSON payload so Unmarshal can detect
// corruption independently of whatever transport carried the bytes.
func Marshal(v interface{}) ([]byte, error) {
	plain, err := api.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal")
	}
	sum := xxhash.Checksum64(plain)

	payload := plain
	flag := flagPlain
	if len(plain) > compressAbove {
		compressed, err := lz4Compress(plain)
		if err == nil && len(compressed) < len(plain) {
			payload = compressed
			flag = flagCompressed
		}
	}

	out := make([]byte, 0, 9+len(payload))
	out = append(out, flag)
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], sum)
	out = append(out, sumBuf[:]...)
	out = append(out, payload...)
	return out, nil
}

// Unmarshal reverses Marshal and verifies the checksum before decoding.
func Unmarshal(data []byte, v interface{}) error {
	if len(data) < 9 {
		return errors.New("wire: truncated frame")
	}
	flag := data[0]
	wantSum := binary.BigEndian.Uint64(data[1:9])
	payload := data[9:]

	plain := payload
	if flag == flagCompressed {
		var err error
		plain, err = lz4Decompress(payload)
		if err != nil {
			return errors.Wrap(err, "wire: decompress")
		}
	}
	if gotSum := xxhash.Checksum64(plain); gotSum != wantSum {
		return errors.Errorf("wire: checksum mismatch: got %x want %x", gotSum, wantSum)
	}
	return api.Unmarshal(plain, v)
}

func lz4Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
