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

package cache

import (
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Entry bodies are stored in snappy's framed stream format, so artifacts stay
// cheap to write and to replay. The wire codec uses snappy block compression
// instead.

func writeCompressed(w io.Writer, data []byte) error {
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(data); err != nil {
		return errors.WithStack(err)
	}
	if err := sw.Close(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func readCompressed(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(snappy.NewReader(r))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}
