package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
)

// DefinitionHash identifies what a TaskRun is defined to do, independent of
// where it runs and of the cache state.
//
// The hash covers, in declared order:
//  1. Task name
//  2. Each step: name, folder, recipe, key prefix, env, populate, expectations,
//     verify action, stale policy
//  3. Payload actions
//  4. Verification actions
//  5. Declared artifacts
//
// WorkDir is excluded so the same definition checked out in two places
// hashes the same. Order is preserved everywhere: reordering steps or probes
// changes what runs, so it changes the hash.
//
// All components are length-prefixed to prevent ambiguity.
func (r TaskRun) DefinitionHash() string {
	w := defWriter{h: sha256.New()}

	w.str(r.Name)

	w.count(len(r.Steps))
	for _, s := range r.Steps {
		w.str(s.Name)
		w.str(s.Folder)
		w.strs(s.Recipe)
		w.str(s.KeyPrefix)
		w.strs(s.Env)
		w.action(s.Populate)

		w.count(len(s.Expect))
		for _, e := range s.Expect {
			w.str(e.Pattern)
			w.str(strconv.FormatBool(e.Executable))
		}

		if s.Verify != nil {
			w.count(1)
			w.action(*s.Verify)
		} else {
			w.count(0)
		}
		w.str(string(s.OnStale))
	}

	w.count(len(r.Payload))
	for _, a := range r.Payload {
		w.action(a)
	}
	w.count(len(r.Verify))
	for _, a := range r.Verify {
		w.action(a)
	}
	w.strs(r.Artifacts)

	return hex.EncodeToString(w.h.Sum(nil))
}

type defWriter struct {
	h hash.Hash
}

// field writes an 8-byte big-endian length prefix followed by data.
func (w defWriter) field(data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	w.h.Write(length[:])
	w.h.Write(data)
}

func (w defWriter) str(s string) { w.field([]byte(s)) }

func (w defWriter) count(n int) { w.str(strconv.Itoa(n)) }

func (w defWriter) strs(ss []string) {
	w.count(len(ss))
	for _, s := range ss {
		w.str(s)
	}
}

func (w defWriter) action(a Action) {
	w.str(a.Name)
	w.str(a.Run)
	w.strs(a.Env)
	w.str(a.Timeout.String())
}
