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

package command

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var ErrEmptyInvocation = errors.New("empty compiler invocation")

// languageByExt maps source file extensions to driver -x languages.
var languageByExt = map[string]string{
	".c":   "c",
	".i":   "cpp-output",
	".cc":  "c++",
	".cp":  "c++",
	".cxx": "c++",
	".cpp": "c++",
	".c++": "c++",
	".ii":  "c++-cpp-output",
	".m":   "objective-c",
	".mm":  "objective-c++",
	".s":   "assembler",
	".S":   "assembler-with-cpp",
}

// flags that consume the following argument
var takesValue = map[string]bool{
	"-o": true, "-x": true, "-I": true, "-D": true, "-U": true,
	"-isystem": true, "-iquote": true, "-idirafter": true, "-include": true,
	"-imacros": true, "-isysroot": true, "-MF": true, "-MT": true, "-MQ": true,
	"-target": true, "-arch": true, "-Xclang": true, "-Xpreprocessor": true,
}

// Canonicalize parses the driver argv (without argv[0]) into a Command.
// Parsing is deterministic: the same argv always yields the same Command,
// and re-canonicalizing a rendered canonical invocation is a fixed point.
func Canonicalize(executable, cwd string, args, env []string) (*Command, error) {
	if executable == "" {
		return nil, errors.WithStack(ErrEmptyInvocation)
	}
	cmd := &Command{
		Executable: executable,
		Cwd:        cwd,
		Args:       append([]string(nil), args...),
		Env:        append([]string(nil), env...),
	}

	compile := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}

		switch {
		case arg == "-c":
			compile = true
		case arg == "-o":
			cmd.Output = next()
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			cmd.Output = arg[2:]
		case arg == "-x":
			cmd.Language = next()
		case arg == "-I":
			cmd.Flags.IncludeDirs = append(cmd.Flags.IncludeDirs, "-I"+next())
		case strings.HasPrefix(arg, "-I"):
			cmd.Flags.IncludeDirs = append(cmd.Flags.IncludeDirs, arg)
		case arg == "-isystem" || arg == "-iquote" || arg == "-idirafter" ||
			arg == "-include" || arg == "-imacros" || arg == "-isysroot":
			cmd.Flags.IncludeDirs = append(cmd.Flags.IncludeDirs, arg, next())
		case arg == "-D" || arg == "-U":
			cmd.Flags.Defines = append(cmd.Flags.Defines, arg+next())
		case strings.HasPrefix(arg, "-D") || strings.HasPrefix(arg, "-U"):
			cmd.Flags.Defines = append(cmd.Flags.Defines, arg)
		case strings.HasPrefix(arg, "-std="):
			cmd.Flags.Standard = arg
		case strings.HasPrefix(arg, "-O"):
			// last one wins, like the driver
			cmd.Flags.Optimization = arg
		case strings.HasPrefix(arg, "-g"):
			cmd.Flags.Debug = append(cmd.Flags.Debug, arg)
		case arg == "-target":
			cmd.Flags.Target = next()
		case strings.HasPrefix(arg, "--target="):
			cmd.Flags.Target = strings.TrimPrefix(arg, "--target=")
		case arg == "-MF":
			cmd.DepsFile = next()
		case arg == "-MD" || arg == "-MMD":
			cmd.Flags.CodeGen = append(cmd.Flags.CodeGen, arg)
		case arg == "-MT" || arg == "-MQ":
			cmd.Flags.Unused = append(cmd.Flags.Unused, arg, next())
		case isUnusedFlag(arg):
			cmd.Flags.Unused = append(cmd.Flags.Unused, arg)
		case takesValue[arg]:
			cmd.Flags.Other = append(cmd.Flags.Other, arg, next())
		case strings.HasPrefix(arg, "-f") || strings.HasPrefix(arg, "-m"):
			cmd.Flags.CodeGen = append(cmd.Flags.CodeGen, arg)
		case strings.HasPrefix(arg, "-"):
			cmd.Flags.Other = append(cmd.Flags.Other, arg)
		default:
			cmd.Inputs = append(cmd.Inputs, arg)
		}
	}

	if cmd.Language == "" && len(cmd.Inputs) == 1 {
		cmd.Language = languageByExt[filepath.Ext(cmd.Inputs[0])]
	}

	switch {
	case compile && len(cmd.Inputs) == 1:
		cmd.Action = Compile
	case !compile && len(cmd.Inputs) > 0:
		cmd.Action = Link
	default:
		cmd.Action = Unknown
	}
	return cmd, nil
}

// isUnusedFlag reports flags that cannot affect generated code: warning
// selection and diagnostics presentation.
func isUnusedFlag(arg string) bool {
	switch {
	case arg == "-w" || arg == "-pedantic" || arg == "-pedantic-errors":
		return true
	case strings.HasPrefix(arg, "-W"):
		return true
	case strings.HasPrefix(arg, "-fdiagnostics-"),
		strings.HasPrefix(arg, "-fno-diagnostics-"),
		arg == "-fcolor-diagnostics", arg == "-fno-color-diagnostics",
		arg == "-fansi-escape-codes":
		return true
	}
	return false
}

// KeyProjection renders the flags that participate in the cache key, in a
// fixed bucket order. Inputs and output paths are excluded; the key covers
// source content separately.
func (c *Command) KeyProjection() []string {
	var out []string
	if c.Flags.Standard != "" {
		out = append(out, c.Flags.Standard)
	}
	if c.Flags.Optimization != "" {
		out = append(out, c.Flags.Optimization)
	}
	out = append(out, c.Flags.Debug...)
	if c.Flags.Target != "" {
		out = append(out, "-target", c.Flags.Target)
	}
	out = append(out, c.Flags.CodeGen...)
	out = append(out, c.Flags.IncludeDirs...)
	out = append(out, c.Flags.Defines...)
	out = append(out, c.Flags.Other...)
	if c.Language != "" {
		out = append(out, "-x", c.Language)
	}
	return out
}

// SpawnProjection renders every retained flag, including the unused bucket,
// ready to have inputs and output appended by the caller.
func (c *Command) SpawnProjection() []string {
	out := c.KeyProjection()
	out = append(out, c.Flags.Unused...)
	return out
}

// RemoteArgs is the spawn projection minus anything that references the
// local filesystem: a remote worker compiles already-preprocessed source,
// so include directories and defines have been burned in.
func (c *Command) RemoteArgs() []string {
	var out []string
	if c.Flags.Standard != "" {
		out = append(out, c.Flags.Standard)
	}
	if c.Flags.Optimization != "" {
		out = append(out, c.Flags.Optimization)
	}
	out = append(out, c.Flags.Debug...)
	if c.Flags.Target != "" {
		out = append(out, "-target", c.Flags.Target)
	}
	out = append(out, c.Flags.CodeGen...)
	out = append(out, c.Flags.Unused...)
	return out
}

// PreprocessedLanguage maps the source language to the driver language of
// its preprocessed form.
func (c *Command) PreprocessedLanguage() string {
	switch c.Language {
	case "c", "cpp-output":
		return "cpp-output"
	case "c++", "c++-cpp-output":
		return "c++-cpp-output"
	case "objective-c":
		return "objective-c-cpp-output"
	case "objective-c++":
		return "objective-c++-cpp-output"
	}
	return c.Language
}

// Supported reports whether the pipeline can preprocess and ship this
// invocation to a remote worker.
func (c *Command) Supported() bool {
	if c.Action != Compile || len(c.Inputs) != 1 {
		return false
	}
	switch c.Language {
	case "c", "c++", "objective-c", "objective-c++", "cpp-output", "c++-cpp-output":
		return true
	}
	return false
}
