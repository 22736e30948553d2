// Package keys computes deterministic hashes of arbitrary query/mutation
// keys: ordered tuples of primitives, slices, and maps. Object keys are
// stably sorted so that two keys differing only in map-insertion-order
// hash identically.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// HashFunc computes a stable hash for a key. Callers may override the
// default with their own via QueryClient/observer options.
type HashFunc func(key []interface{}) string

// Default is the built-in HashFunc: it renders the key to a canonical
// string (sorting any map keys it encounters) and hashes that string.
func Default(key []interface{}) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, part := range key {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonical(&b, part)
	}
	b.WriteByte(']')

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Stringify renders a key to its canonical string form without hashing it,
// used for debug output and as a display-friendly fallback when a caller
// wants a human-readable identity rather than a digest.
func Stringify(key []interface{}) string {
	var b strings.Builder
	writeCanonical(&b, key)
	return b.String()
}

func writeCanonical(b *strings.Builder, v interface{}) {
	if v == nil {
		b.WriteString("null")
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		writeMap(b, rv)
	case reflect.Slice, reflect.Array:
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, rv.Index(i).Interface())
		}
		b.WriteByte(']')
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("null")
			return
		}
		writeCanonical(b, rv.Elem().Interface())
	case reflect.Struct:
		writeStruct(b, rv)
	case reflect.String:
		fmt.Fprintf(b, "%q", rv.String())
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

func writeMap(b *strings.Builder, rv reflect.Value) {
	type kv struct {
		k string
		v interface{}
	}
	pairs := make([]kv, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, kv{k: fmt.Sprintf("%v", iter.Key().Interface()), v: iter.Value().Interface()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	b.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%q:", p.k)
		writeCanonical(b, p.v)
	}
	b.WriteByte('}')
}

func writeStruct(b *strings.Builder, rv reflect.Value) {
	t := rv.Type()
	type kv struct {
		k string
		v interface{}
	}
	pairs := make([]kv, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		pairs = append(pairs, kv{k: f.Name, v: rv.Field(i).Interface()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	b.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%q:", p.k)
		writeCanonical(b, p.v)
	}
	b.WriteByte('}')
}
