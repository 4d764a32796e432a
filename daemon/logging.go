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

package daemon

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// errorMarkHook mirrors entries at or above the mark level to stderr, no
// matter where the main sink points. That keeps genuine failures visible
// when logs are redirected to a file.
type errorMarkHook struct {
	mark logrus.Level
}

func (h *errorMarkHook) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, lvl := range logrus.AllLevels {
		if lvl <= h.mark {
			levels = append(levels, lvl)
		}
	}
	return levels
}

func (h *errorMarkHook) Fire(entry *logrus.Entry) error {
	if entry.Logger.Out == os.Stderr {
		return nil
	}
	line, err := entry.Bytes()
	if err != nil {
		return err
	}
	os.Stderr.Write(line)
	return nil
}

// SetupLogging applies the log.levels threshold and the log.error_mark
// stderr routing, optionally redirecting the main sink.
func SetupLogging(levels, errorMark string, sink io.Writer) error {
	if levels != "" {
		lvl, err := logrus.ParseLevel(levels)
		if err != nil {
			return errors.Wrap(err, "parse log.levels")
		}
		logrus.SetLevel(lvl)
	}
	if sink != nil {
		logrus.SetOutput(sink)
	}
	if errorMark != "" {
		mark, err := logrus.ParseLevel(errorMark)
		if err != nil {
			return errors.Wrap(err, "parse log.error_mark")
		}
		logrus.AddHook(&errorMarkHook{mark: mark})
	}
	return nil
}
