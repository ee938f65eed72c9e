// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package drv

import (
	"bytes"
	"fmt"
	"iter"

	"forgequeue.dev/pkg/internal/aterm"
	"forgequeue.dev/pkg/internal/sortedset"
	"forgequeue.dev/pkg/internal/xmaps"
)

// A Derivation is a single, specific, constant build action: the fields
// the queue monitor needs to resolve the build-step graph and decide
// whether a step is already satisfied.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory
	// Name is the human-readable name of the derivation,
	// i.e. the part after the digest in the store object name.
	Name string
	// System is the platform tuple this derivation's builder runs on.
	System string
	// Builder is the path to the program that runs the build.
	Builder string
	// Args is the argument list passed to Builder.
	Args []string
	// Env is the environment variables passed to Builder.
	// Two entries have special meaning to the queue monitor:
	// "requiredSystemFeatures" (space-separated tokens) and
	// "preferLocalBuild" ("1" or unset).
	Env map[string]string

	// InputDerivations maps each derivation this one depends on
	// to the set of its output names that are actually used.
	InputDerivations map[Path]*sortedset.Set[string]
	// Outputs maps an output name to its store path.
	Outputs map[string]Path
}

// OutputReference names a single output of a derivation.
type OutputReference struct {
	DrvPath    Path
	OutputName string
}

// InputDerivationOutputs returns an iterator over every (input derivation,
// output name) pair this derivation depends on.
func (d *Derivation) InputDerivationOutputs() iter.Seq[OutputReference] {
	return func(yield func(OutputReference) bool) {
		for _, drvPath := range xmaps.SortedKeys(d.InputDerivations) {
			outs := d.InputDerivations[drvPath]
			for i := 0; i < outs.Len(); i++ {
				if !yield(OutputReference{DrvPath: drvPath, OutputName: outs.At(i)}) {
					return
				}
			}
		}
	}
}

// ParseDerivation parses a derivation from its ATerm encoding.
// name should be the derivation's name as returned by [Path.DerivationName].
func ParseDerivation(dir Directory, name string, data []byte) (*Derivation, error) {
	d := &Derivation{Dir: dir, Name: name}
	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return nil, fmt.Errorf("parse %s derivation: 'Derive' constructor not found", name)
	}
	r := bytes.NewReader(rest)
	if err := d.parseTuple(aterm.NewScanner(r)); err != nil {
		return nil, err
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("parse %s derivation: trailing data", name)
	}
	return d, nil
}

func (d *Derivation) parseTuple(s *aterm.Scanner) error {
	if _, err := expectToken(s, aterm.LParen); err != nil {
		return fmt.Errorf("parse %s derivation: %v", d.Name, err)
	}

	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: outputs: %v", d.Name, err)
	}
	d.Outputs = xmaps.Init(d.Outputs)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %v", d.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		s.UnreadToken()
		outName, outPath, err := parseDerivationOutput(s)
		if err != nil {
			return fmt.Errorf("parse %s derivation: %v", d.Name, err)
		}
		if _, exists := d.Outputs[outName]; exists {
			return fmt.Errorf("parse %s derivation: multiple outputs named %q", d.Name, outName)
		}
		d.Outputs[outName] = outPath
	}

	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: input derivations: %v", d.Name, err)
	}
	d.InputDerivations = xmaps.Init(d.InputDerivations)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: input derivations: %v", d.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		s.UnreadToken()
		drvPath, outputNames, err := parseInputDerivation(s)
		if err != nil {
			return fmt.Errorf("parse %s derivation: %v", d.Name, err)
		}
		if _, exists := d.InputDerivations[drvPath]; exists {
			return fmt.Errorf("parse %s derivation: multiple input derivations for %s", d.Name, drvPath)
		}
		d.InputDerivations[drvPath] = outputNames
	}

	// Input sources (file-system objects with no build step of their own)
	// are not used by this core; skip them.
	if err := parseStringList(s, func(string) error { return nil }); err != nil {
		return fmt.Errorf("parse %s derivation: input sources: %v", d.Name, err)
	}

	tok, err := expectToken(s, aterm.String)
	if err != nil {
		return fmt.Errorf("parse %s derivation: system: %v", d.Name, err)
	}
	d.System = tok.Value

	tok, err = expectToken(s, aterm.String)
	if err != nil {
		return fmt.Errorf("parse %s derivation: builder: %v", d.Name, err)
	}
	d.Builder = tok.Value

	d.Args = d.Args[:0]
	if err := parseStringList(s, func(arg string) error {
		d.Args = append(d.Args, arg)
		return nil
	}); err != nil {
		return fmt.Errorf("parse %s derivation: builder args: %v", d.Name, err)
	}

	if err := d.parseEnv(s); err != nil {
		return err
	}

	if _, err := expectToken(s, aterm.RParen); err != nil {
		return fmt.Errorf("parse %s derivation: %v", d.Name, err)
	}
	return nil
}

func parseDerivationOutput(s *aterm.Scanner) (name string, outPath Path, err error) {
	if _, err := expectToken(s, aterm.LParen); err != nil {
		return "", "", fmt.Errorf("parse output: %v", err)
	}
	tok, err := expectToken(s, aterm.String)
	if err != nil {
		return "", "", fmt.Errorf("parse output: name: %v", err)
	}
	name = tok.Value
	if !IsValidOutputName(name) {
		return "", "", fmt.Errorf("parse output: invalid name %q", name)
	}

	tok, err = expectToken(s, aterm.String)
	if err != nil {
		return name, "", fmt.Errorf("parse %s output: path: %v", name, err)
	}
	if tok.Value != "" {
		outPath, err = ParsePath(tok.Value)
		if err != nil {
			return name, "", fmt.Errorf("parse %s output: %v", name, err)
		}
	}

	// Remaining two fields are the content-addressing method and hash,
	// used by the store when building this output. The queue monitor
	// never builds anything, so it only needs the output's eventual path.
	if _, err := expectToken(s, aterm.String); err != nil {
		return name, "", fmt.Errorf("parse %s output: hash algorithm: %v", name, err)
	}
	if _, err := expectToken(s, aterm.String); err != nil {
		return name, "", fmt.Errorf("parse %s output: hash: %v", name, err)
	}
	if _, err := expectToken(s, aterm.RParen); err != nil {
		return name, "", fmt.Errorf("parse %s output: %v", name, err)
	}
	return name, outPath, nil
}

func parseInputDerivation(s *aterm.Scanner) (drvPath Path, outputNames *sortedset.Set[string], err error) {
	if _, err := expectToken(s, aterm.LParen); err != nil {
		return "", nil, fmt.Errorf("parse input derivation: %v", err)
	}
	tok, err := expectToken(s, aterm.String)
	if err != nil {
		return "", nil, fmt.Errorf("parse input derivation: name: %v", err)
	}
	drvPathString := tok.Value

	outputNames = new(sortedset.Set[string])
	err = parseStringList(s, func(val string) error {
		outputNames.Add(val)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("parse input derivation %s: output names: %v", drvPathString, err)
	}
	if _, err := expectToken(s, aterm.RParen); err != nil {
		return "", nil, fmt.Errorf("parse input derivation %s: %v", drvPathString, err)
	}

	drvPath, err = ParsePath(drvPathString)
	if err != nil {
		return "", nil, fmt.Errorf("parse input derivation %s: %v", drvPathString, err)
	}
	return drvPath, outputNames, nil
}

func (d *Derivation) parseEnv(s *aterm.Scanner) error {
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: env: %v", d.Name, err)
	}
	d.Env = xmaps.Init(d.Env)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %v", d.Name, err)
		}
		switch tok.Kind {
		case aterm.RBracket:
			return nil
		case aterm.LParen:
		default:
			return fmt.Errorf("parse %s derivation: env: expected ']' or '(', found %v", d.Name, tok)
		}

		tok, err = expectToken(s, aterm.String)
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %v", d.Name, err)
		}
		key := tok.Value
		if _, exists := d.Env[key]; exists {
			return fmt.Errorf("parse %s derivation: env: multiple entries for %s", d.Name, key)
		}

		tok, err = expectToken(s, aterm.String)
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %s: %v", d.Name, key, err)
		}
		val := tok.Value

		if _, err := expectToken(s, aterm.RParen); err != nil {
			return fmt.Errorf("parse %s derivation: env: %s: %v", d.Name, key, err)
		}
		d.Env[key] = val
	}
}

func expectToken(s *aterm.Scanner, kind aterm.TokenKind) (aterm.Token, error) {
	tok, err := s.ReadToken()
	if err != nil {
		return aterm.Token{}, err
	}
	if tok.Kind != kind {
		want := "'" + string(kind) + "'"
		if kind == aterm.String {
			want = "string"
		}
		return tok, fmt.Errorf("expected %s, found %v", want, tok)
	}
	return tok, nil
}

func parseStringList(s *aterm.Scanner, f func(string) error) error {
	if _, err := expectToken(s, aterm.LBracket); err != nil {
		return err
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		switch tok.Kind {
		case aterm.String:
			if err := f(tok.Value); err != nil {
				return err
			}
		case aterm.RBracket:
			return nil
		default:
			return fmt.Errorf("expected string or ']', found %v", tok)
		}
	}
}

// IsValidOutputName reports whether name is valid as a derivation output name.
func IsValidOutputName(name string) bool {
	return name != ""
}
