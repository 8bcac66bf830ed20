// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto holds the AES-128/S-box/GF(2^8) primitives spec.md treats
// as black-box verification and leakage-model machinery (§1 Non-goals): the
// actual block cipher is the standard library's constant-time
// crypto/aes (grounded on no pack repo importing a cipher of its own — the
// teacher has no crypto dependency, so this stays on the one already
// vetted and shipped with Go), while the S-box/GF(2^8) round-trellis state
// extraction needed by aes_knownkey is hand-rolled because crypto/aes's
// cipher.Block interface exposes no intermediate round state — there is no
// way to get that out of a black-box Encrypt call, regardless of library.
package crypto

import (
	gocrypto "crypto/aes"
	"crypto/cipher"

	"tracelab/internal/errs"
)

// sbox is the standard AES S-box (FIPS-197).
var sbox = [256]byte{
	0x63, 0x7c, 0x77, 0x7b, 0xf2, 0x6b, 0x6f, 0xc5, 0x30, 0x01, 0x67, 0x2b, 0xfe, 0xd7, 0xab, 0x76,
	0xca, 0x82, 0xc9, 0x7d, 0xfa, 0x59, 0x47, 0xf0, 0xad, 0xd4, 0xa2, 0xaf, 0x9c, 0xa4, 0x72, 0xc0,
	0xb7, 0xfd, 0x93, 0x26, 0x36, 0x3f, 0xf7, 0xcc, 0x34, 0xa5, 0xe5, 0xf1, 0x71, 0xd8, 0x31, 0x15,
	0x04, 0xc7, 0x23, 0xc3, 0x18, 0x96, 0x05, 0x9a, 0x07, 0x12, 0x80, 0xe2, 0xeb, 0x27, 0xb2, 0x75,
	0x09, 0x83, 0x2c, 0x1a, 0x1b, 0x6e, 0x5a, 0xa0, 0x52, 0x3b, 0xd6, 0xb3, 0x29, 0xe3, 0x2f, 0x84,
	0x53, 0xd1, 0x00, 0xed, 0x20, 0xfc, 0xb1, 0x5b, 0x6a, 0xcb, 0xbe, 0x39, 0x4a, 0x4c, 0x58, 0xcf,
	0xd0, 0xef, 0xaa, 0xfb, 0x43, 0x4d, 0x33, 0x85, 0x45, 0xf9, 0x02, 0x7f, 0x50, 0x3c, 0x9f, 0xa8,
	0x51, 0xa3, 0x40, 0x8f, 0x92, 0x9d, 0x38, 0xf5, 0xbc, 0xb6, 0xda, 0x21, 0x10, 0xff, 0xf3, 0xd2,
	0xcd, 0x0c, 0x13, 0xec, 0x5f, 0x97, 0x44, 0x17, 0xc4, 0xa7, 0x7e, 0x3d, 0x64, 0x5d, 0x19, 0x73,
	0x60, 0x81, 0x4f, 0xdc, 0x22, 0x2a, 0x90, 0x88, 0x46, 0xee, 0xb8, 0x14, 0xde, 0x5e, 0x0b, 0xdb,
	0xe0, 0x32, 0x3a, 0x0a, 0x49, 0x06, 0x24, 0x5c, 0xc2, 0xd3, 0xac, 0x62, 0x91, 0x95, 0xe4, 0x79,
	0xe7, 0xc8, 0x37, 0x6d, 0x8d, 0xd5, 0x4e, 0xa9, 0x6c, 0x56, 0xf4, 0xea, 0x65, 0x7a, 0xae, 0x08,
	0xba, 0x78, 0x25, 0x2e, 0x1c, 0xa6, 0xb4, 0xc6, 0xe8, 0xdd, 0x74, 0x1f, 0x4b, 0xbd, 0x8b, 0x8a,
	0x70, 0x3e, 0xb5, 0x66, 0x48, 0x03, 0xf6, 0x0e, 0x61, 0x35, 0x57, 0xb9, 0x86, 0xc1, 0x1d, 0x9e,
	0xe1, 0xf8, 0x98, 0x11, 0x69, 0xd9, 0x8e, 0x94, 0x9b, 0x1e, 0x87, 0xe9, 0xce, 0x55, 0x28, 0xdf,
	0x8c, 0xa1, 0x89, 0x0d, 0xbf, 0xe6, 0x42, 0x68, 0x41, 0x99, 0x2d, 0x0f, 0xb0, 0x54, 0xbb, 0x16,
}

// Sbox returns the AES S-box substitution of b.
func Sbox(b byte) byte { return sbox[b] }

var rcon = [11]byte{0x00, 0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x1b, 0x36}

// gmul2 multiplies by x in GF(2^8) under the AES reduction polynomial.
func gmul2(b byte) byte {
	hi := b&0x80 != 0
	b <<= 1
	if hi {
		b ^= 0x1b
	}
	return b
}

// gmul3 multiplies by x+1 in GF(2^8).
func gmul3(b byte) byte { return gmul2(b) ^ b }

// EncryptECB128 encrypts one 16-byte block under key using the standard
// library's AES-128 implementation (ECB, single block; the original's
// EVP_aes_128_ecb single-block usage for verification).
func EncryptECB128(block, key []byte) ([]byte, error) {
	if len(key) != 16 || len(block) != 16 {
		return nil, errs.New(errs.Invalid, "crypto.EncryptECB128", "key and block must each be 16 bytes")
	}
	c, err := gocrypto.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "crypto.EncryptECB128", err)
	}
	out := make([]byte, 16)
	c.Encrypt(out, block)
	return out, nil
}

// CBCEncrypt encrypts plaintext under key with a fixed (caller-supplied) IV
// using AES-128-CBC, matching the net backend's framing (spec §6 "framed
// and optionally compressed and AES-128-CBC encrypted with a fixed shared
// key, placeholder for TLS"). plaintext is zero-padded to a block multiple.
func CBCEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	c, err := gocrypto.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "crypto.CBCEncrypt", err)
	}
	padded := padToBlock(plaintext)
	out := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(c, iv)
	cbc.CryptBlocks(out, padded)
	return out, nil
}

// CBCDecrypt reverses CBCEncrypt. The caller is responsible for stripping
// the zero padding back to the original plaintext length.
func CBCDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext)%gocrypto.BlockSize != 0 {
		return nil, errs.New(errs.Protocol, "crypto.CBCDecrypt", "ciphertext not a block multiple")
	}
	c, err := gocrypto.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "crypto.CBCDecrypt", err)
	}
	out := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(c, iv)
	cbc.CryptBlocks(out, ciphertext)
	return out, nil
}

func padToBlock(b []byte) []byte {
	n := len(b)
	rem := n % gocrypto.BlockSize
	if rem == 0 {
		return b
	}
	out := make([]byte, n+gocrypto.BlockSize-rem)
	copy(out, b)
	return out
}

// VerifyAES128 checks the self-consistency layout verify(AES128) uses:
// plaintext (data[0:16]) encrypted under key (data[32:48]) must equal the
// recorded ciphertext (data[16:32]), per the original's verify_aes128.
func VerifyAES128(data []byte) (bool, error) {
	if len(data) < 48 {
		return false, errs.New(errs.Invalid, "crypto.VerifyAES128", "associated data too short")
	}
	enc, err := EncryptECB128(data[0:16], data[32:48])
	if err != nil {
		return false, err
	}
	for i := 0; i < 16; i++ {
		if enc[i] != data[16+i] {
			return false, nil
		}
	}
	return true, nil
}

// ExpandKey128 produces the 11 round keys (each 16 bytes) for AES-128 key
// schedule, needed by the round-trellis intermediate extraction below.
func ExpandKey128(key []byte) ([11][16]byte, error) {
	var out [11][16]byte
	if len(key) != 16 {
		return out, errs.New(errs.Invalid, "crypto.ExpandKey128", "key must be 16 bytes")
	}
	var w [44][4]byte
	for i := 0; i < 4; i++ {
		copy(w[i][:], key[4*i:4*i+4])
	}
	for i := 4; i < 44; i++ {
		temp := w[i-1]
		if i%4 == 0 {
			temp = [4]byte{temp[1], temp[2], temp[3], temp[0]}
			for j := range temp {
				temp[j] = sbox[temp[j]]
			}
			temp[0] ^= rcon[i/4]
		}
		for j := range temp {
			w[i][j] = w[i-4][j] ^ temp[j]
		}
	}
	for r := 0; r < 11; r++ {
		for c := 0; c < 4; c++ {
			copy(out[r][4*c:4*c+4], w[r*4+c][:])
		}
	}
	return out, nil
}

// RoundTrellis computes the full AES-128 round trellis for one plaintext
// block under key: state 0 is the plaintext after the initial AddRoundKey
// (plaintext XOR round key 0), then each of the 10
// rounds contributes four states (after SubBytes, after ShiftRows, after
// MixColumns, after AddRoundKey — MixColumns is the identity on round 10),
// for 41 total 16-byte states (spec.md's table names aes_knownkey's "41*16
// output traces" without enumerating the trellis; this is that trellis,
// grounded on the original's add_key/sub_bytes/shift_rows/mix_cols).
func RoundTrellis(plaintext, key []byte) ([41][16]byte, error) {
	var states [41][16]byte
	if len(plaintext) != 16 {
		return states, errs.New(errs.Invalid, "crypto.RoundTrellis", "plaintext must be 16 bytes")
	}
	roundKeys, err := ExpandKey128(key)
	if err != nil {
		return states, err
	}

	var state [16]byte
	copy(state[:], plaintext)
	addRoundKey(&state, &roundKeys[0])
	states[0] = state

	idx := 1
	for round := 1; round <= 10; round++ {
		subBytes(&state)
		states[idx] = state
		idx++

		shiftRows(&state)
		states[idx] = state
		idx++

		if round < 10 {
			mixColumns(&state)
		}
		states[idx] = state
		idx++

		addRoundKey(&state, &roundKeys[round])
		states[idx] = state
		idx++
	}
	return states, nil
}

func addRoundKey(state *[16]byte, key *[16]byte) {
	for i := range state {
		state[i] ^= key[i]
	}
}

func subBytes(state *[16]byte) {
	for i := range state {
		state[i] = sbox[state[i]]
	}
}

func shiftRows(state *[16]byte) {
	var t [16]byte
	copy(t[:], state[:])
	// column-major state layout, row r shifted left by r positions.
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			state[4*c+r] = t[4*((c+r)%4)+r]
		}
	}
}

func mixColumns(state *[16]byte) {
	var t [16]byte
	copy(t[:], state[:])
	for c := 0; c < 4; c++ {
		r0, r1, r2, r3 := t[4*c], t[4*c+1], t[4*c+2], t[4*c+3]
		state[4*c+0] = gmul2(r0) ^ gmul3(r1) ^ r2 ^ r3
		state[4*c+1] = r0 ^ gmul2(r1) ^ gmul3(r2) ^ r3
		state[4*c+2] = r0 ^ r1 ^ gmul2(r2) ^ gmul3(r3)
		state[4*c+3] = gmul3(r0) ^ r1 ^ r2 ^ gmul2(r3)
	}
}
