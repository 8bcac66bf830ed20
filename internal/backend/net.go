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

package backend

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"math"
	"net"
	"sync"

	tracecrypto "tracelab/internal/crypto"
	"tracelab/internal/errs"
	"tracelab/internal/trace"
)

// Command verbs for the NET protocol (spec §6).
const (
	cmdInit byte = 1
	cmdGet  byte = 2
	cmdDie  byte = 3
)

// Shape is the INIT response payload (spec §6).
type Shape struct {
	NumTraces  uint64
	NumSamples uint64
	DataType   uint8
	TitleSize  uint64
	DataSize   uint64
	YScale     float32
}

// sharedKey is the fixed placeholder key spec §6 calls "a placeholder for
// TLS" — a real deployment would replace this with a negotiated key; the
// wire contract only requires a consistent, shared AES-128 key.
var sharedKey = []byte("tracelab-net-key")

var zeroIV = make([]byte, 16)

// Net implements pipeline.Backend against a remote net backend: each call
// frames, deflates, and AES-128-CBC encrypts one command and decrypts the
// response the same way (spec §6 "NET protocol").
type Net struct {
	mu    sync.Mutex
	conn  net.Conn
	shape Shape
}

// DialNet connects to addr and performs the INIT handshake.
func DialNet(addr string) (*Net, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "backend.DialNet", err)
	}
	n := &Net{conn: conn}
	if err := n.sendFrame([]byte{cmdInit}); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := n.recvFrame()
	if err != nil {
		conn.Close()
		return nil, err
	}
	shape, err := decodeShape(resp)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.shape = shape
	return n, nil
}

func decodeShape(b []byte) (Shape, error) {
	if len(b) < 8+8+1+8+8+4 {
		return Shape{}, errs.New(errs.Protocol, "backend.decodeShape", "short INIT response")
	}
	var s Shape
	s.NumTraces = binary.LittleEndian.Uint64(b[0:8])
	s.NumSamples = binary.LittleEndian.Uint64(b[8:16])
	s.DataType = b[16]
	s.TitleSize = binary.LittleEndian.Uint64(b[17:25])
	s.DataSize = binary.LittleEndian.Uint64(b[25:33])
	bits := binary.LittleEndian.Uint32(b[33:37])
	s.YScale = math.Float32frombits(bits)
	return s, nil
}

func encodeShape(s Shape) []byte {
	out := make([]byte, 37)
	binary.LittleEndian.PutUint64(out[0:8], s.NumTraces)
	binary.LittleEndian.PutUint64(out[8:16], s.NumSamples)
	out[16] = s.DataType
	binary.LittleEndian.PutUint64(out[17:25], s.TitleSize)
	binary.LittleEndian.PutUint64(out[25:33], s.DataSize)
	binary.LittleEndian.PutUint32(out[33:37], math.Float32bits(s.YScale))
	return out
}

// Read implements pipeline.Backend via a GET request.
func (n *Net) Read(tr *trace.Trace) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	req := make([]byte, 9)
	req[0] = cmdGet
	binary.LittleEndian.PutUint64(req[1:], tr.Index)
	if err := n.sendFrame(req); err != nil {
		return err
	}
	resp, err := n.recvFrame()
	if err != nil {
		return err
	}
	titleSize := int(n.shape.TitleSize)
	dataSize := int(n.shape.DataSize)
	if len(resp) < titleSize+dataSize {
		return errs.New(errs.Protocol, "backend.Net.Read", "short GET response")
	}
	tr.Title = append([]byte(nil), resp[:titleSize]...)
	tr.Data = append([]byte(nil), resp[titleSize:titleSize+dataSize]...)
	samplesRaw := resp[titleSize+dataSize:]
	tr.Samples = trace.ToFloat32(trace.EncodingFloat32, samplesRaw, 1.0)
	return nil
}

// Write is not supported by the remote net backend; a pipeline may only
// read from it (spec §6 describes GET/INIT/DIE, no remote write verb).
func (n *Net) Write(tr *trace.Trace) error {
	return errs.New(errs.Invalid, "backend.Net.Write", "net backend is read-only")
}

// Stat returns the Shape learned during the INIT handshake.
func (n *Net) Stat() Shape { return n.shape }

// Close sends DIE and closes the connection.
func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.sendFrame([]byte{cmdDie})
	if err := n.conn.Close(); err != nil {
		return errs.Wrap(errs.IO, "backend.Net.Close", err)
	}
	return nil
}

// sendFrame deflates and AES-128-CBC encrypts plaintext, then writes a
// 4-byte little-endian length prefix followed by the ciphertext.
func (n *Net) sendFrame(plaintext []byte) error {
	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	if _, err := zw.Write(plaintext); err != nil {
		return errs.Wrap(errs.IO, "backend.sendFrame", err)
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.IO, "backend.sendFrame", err)
	}
	ct, err := tracecrypto.CBCEncrypt(deflated.Bytes(), sharedKey, zeroIV)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ct)))
	if _, err := n.conn.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.IO, "backend.sendFrame", err)
	}
	_, err = n.conn.Write(ct)
	if err != nil {
		return errs.Wrap(errs.IO, "backend.sendFrame", err)
	}
	return nil
}

// recvFrame reverses sendFrame.
func (n *Net) recvFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(n.conn, lenBuf[:]); err != nil {
		return nil, errs.Wrap(errs.Protocol, "backend.recvFrame", err)
	}
	ctLen := binary.LittleEndian.Uint32(lenBuf[:])
	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(n.conn, ct); err != nil {
		return nil, errs.Wrap(errs.Protocol, "backend.recvFrame", err)
	}
	deflated, err := tracecrypto.CBCDecrypt(ct, sharedKey, zeroIV)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(deflated))
	if err != nil {
		return nil, errs.Wrap(errs.Decode, "backend.recvFrame", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, errs.Wrap(errs.Decode, "backend.recvFrame", err)
	}
	return plain, nil
}

// Server is the export sink's counterpart: a listening socket that answers
// INIT/GET/DIE against an upstream pipeline.Node-like reader (spec §4.H
// "Export").
type Server struct {
	ln    net.Listener
	shape Shape
	read  func(index uint64) (*trace.Trace, error)
}

// ListenNet binds addr and serves shape/read against it until Close.
func ListenNet(addr string, shape Shape, read func(index uint64) (*trace.Trace, error)) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "backend.ListenNet", err)
	}
	return &Server{ln: ln, shape: shape, read: read}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until Close is called, spawning one worker
// goroutine per client (spec §5 "Export" thread taxonomy).
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return nil
		}
		go s.serveClient(conn)
	}
}

func (s *Server) serveClient(conn net.Conn) {
	defer conn.Close()
	n := &Net{conn: conn}
	for {
		req, err := n.recvFrame()
		if err != nil || len(req) == 0 {
			return
		}
		switch req[0] {
		case cmdInit:
			if err := n.sendFrame(encodeShape(s.shape)); err != nil {
				return
			}
		case cmdGet:
			if len(req) < 9 {
				return
			}
			idx := binary.LittleEndian.Uint64(req[1:])
			tr, err := s.read(idx)
			if err != nil {
				return
			}
			payload := append(append(append([]byte{}, tr.Title...), tr.Data...),
				trace.FromFloat32(trace.EncodingFloat32, tr.Samples, 1.0)...)
			if err := n.sendFrame(payload); err != nil {
				return
			}
		case cmdDie:
			return
		default:
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if err := s.ln.Close(); err != nil {
		return errs.Wrap(errs.IO, "backend.Server.Close", err)
	}
	return nil
}
