// The MIT License (MIT)
//
// Copyright (c) 2019 the dclang authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package proto defines the messages exchanged between the compilation
// daemons and the codec that puts them on the wire. A frame body is one
// kind byte followed by a field-tagged JSON payload, optionally snappy
// compressed; the length prefix itself belongs to the transport layer.
package proto

import (
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

type Kind byte

const (
	KindExecute Kind = iota + 1
	KindResult
	KindStatus
	KindOverloaded
	KindPing
	KindPong
	KindHosts
	KindStats

	kindMax
)

const compressedBit = 0x80

var ErrUnknownKind = errors.New("unknown message kind")

func (k Kind) String() string {
	switch k {
	case KindExecute:
		return "Execute"
	case KindResult:
		return "Result"
	case KindStatus:
		return "Status"
	case KindOverloaded:
		return "Overloaded"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindHosts:
		return "Hosts"
	case KindStats:
		return "Stats"
	}
	return "Unknown"
}

// Execute asks an absorber to compile one preprocessed translation unit.
// Args is the spawn projection of the canonicalized command with inputs and
// output stripped; the absorber substitutes its own temp paths.
// A client sends the raw invocation (Args, Cwd, Env, no Source); the
// emitter sends a remote worker the flag projection plus the preprocessed
// Source.
type Execute struct {
	Executable string   `json:"executable,omitempty"`
	Version    string   `json:"version,omitempty"`
	Args       []string `json:"args"`
	Cwd        string   `json:"cwd,omitempty"`
	Env        []string `json:"env,omitempty"`
	Language   string   `json:"language,omitempty"`
	Source     []byte   `json:"source,omitempty"`
}

// Result carries one finished compilation back.
type Result struct {
	Object   []byte `json:"object,omitempty"`
	Deps     []byte `json:"deps,omitempty"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Status codes.
const (
	StatusOK uint32 = iota
	StatusShutting
	StatusBadMessage
	StatusExecutionFailed
)

type Status struct {
	Code        uint32 `json:"code"`
	Description string `json:"description,omitempty"`
}

type Host struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Threads int    `json:"threads,omitempty"`
}

// Hosts is the coordinator's advice on which absorbers to use.
type Hosts struct {
	Remotes []Host `json:"remotes"`
}

// Stats is one counter dump pushed to the collector.
type Stats struct {
	From     string            `json:"from,omitempty"`
	Counters map[string]uint64 `json:"counters"`
}

// Encode builds a frame body for msg. Ping, Pong and Overloaded take a nil
// msg. With compress set the payload is snappy block compressed and the
// kind byte marked accordingly.
func Encode(kind Kind, msg any, compress bool) ([]byte, error) {
	if kind == 0 || kind >= kindMax {
		return nil, errors.WithStack(ErrUnknownKind)
	}
	var payload []byte
	if msg != nil {
		var err error
		payload, err = json.Marshal(msg)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	tag := byte(kind)
	if compress && len(payload) > 0 {
		payload = snappy.Encode(nil, payload)
		tag |= compressedBit
	}
	body := make([]byte, 1+len(payload))
	body[0] = tag
	copy(body[1:], payload)
	return body, nil
}

// Decode splits a frame body into its kind and decompressed payload.
func Decode(body []byte) (Kind, []byte, error) {
	if len(body) == 0 {
		return 0, nil, errors.WithStack(ErrUnknownKind)
	}
	kind := Kind(body[0] &^ compressedBit)
	if kind == 0 || kind >= kindMax {
		return 0, nil, errors.WithStack(ErrUnknownKind)
	}
	payload := body[1:]
	if body[0]&compressedBit != 0 {
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "decompress payload")
		}
		payload = out
	}
	return kind, payload, nil
}

// Unmarshal decodes a payload produced by Encode into out.
func Unmarshal(payload []byte, out any) error {
	return errors.WithStack(json.Unmarshal(payload, out))
}
