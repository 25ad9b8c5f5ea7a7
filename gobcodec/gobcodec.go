// Package gobcodec wraps encoding/gob for the RPC and persistence paths
// used by the raft and transport packages. gob silently drops unexported
// fields and silently refuses to overwrite non-zero fields on decode; this
// wrapper surfaces both footguns as warnings instead of wire corruption.
package gobcodec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"
)

var (
	mu      sync.Mutex
	checked = map[reflect.Type]bool{}
	warned  int
)

// Encoder is a gob.Encoder that validates values before encoding them.
type Encoder struct {
	enc *gob.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: gob.NewEncoder(w)}
}

func (e *Encoder) Encode(v interface{}) error {
	warnOnUnexported(v)
	return e.enc.Encode(v)
}

// Decoder is a gob.Decoder that validates targets before decoding into them.
type Decoder struct {
	dec *gob.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: gob.NewDecoder(r)}
}

func (d *Decoder) Decode(v interface{}) error {
	warnOnUnexported(v)
	warnOnNonZero(v)
	return d.dec.Decode(v)
}

// Register makes a concrete type available to gob's interface decoding,
// required for any type stored in an interface{} field (e.g. Raft log
// commands) before it crosses the wire or a persistence boundary.
func Register(v interface{}) {
	warnOnUnexported(v)
	gob.Register(v)
}

// EncodeBytes gob-encodes v into a standalone byte slice, for callers
// (queue replication) that need a []byte payload to hand to the
// transport rather than a stream.
func EncodeBytes(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes is the inverse of EncodeBytes.
func DecodeBytes(data []byte, v interface{}) error {
	return NewDecoder(bytes.NewReader(data)).Decode(v)
}

func warnOnUnexported(v interface{}) {
	walkType(reflect.TypeOf(v))
}

func walkType(t reflect.Type) {
	if t == nil {
		return
	}
	mu.Lock()
	if checked[t] {
		mu.Unlock()
		return
	}
	checked[t] = true
	mu.Unlock()

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if r, _ := utf8.DecodeRuneInString(f.Name); !unicode.IsUpper(r) {
				fmt.Printf("gobcodec: unexported field %s.%s will not survive RPC or persistence\n", t.Name(), f.Name)
			}
			walkType(f.Type)
		}
	case reflect.Slice, reflect.Array, reflect.Ptr:
		walkType(t.Elem())
	case reflect.Map:
		walkType(t.Key())
		walkType(t.Elem())
	}
}

// warnOnNonZero flags decode targets that already hold non-zero data:
// gob only overwrites fields present in the wire message, so decoding into
// a reused struct can silently keep stale values.
func warnOnNonZero(v interface{}) {
	if v == nil {
		return
	}
	walkValue(reflect.ValueOf(v), 0, "")
}

func walkValue(v reflect.Value, depth int, path string) {
	if depth > 2 {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		walkValue(v.Elem(), depth+1, path)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			name := t.Field(i).Name
			if path != "" {
				name = path + "." + name
			}
			walkValue(v.Field(i), depth+1, name)
		}
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		if !v.IsZero() {
			mu.Lock()
			if warned < 1 {
				label := path
				if label == "" {
					label = v.Type().Name()
				}
				fmt.Printf("gobcodec: decoding into non-zero field %s, stale data may survive\n", label)
			}
			warned++
			mu.Unlock()
		}
	}
}
