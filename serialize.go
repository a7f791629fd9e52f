package archiver

import (
	"fmt"
	"reflect"
	"sort"
	"unsafe"
)

// serializeValue is the engine's dispatch point: classify the static type
// and route to the kind-specific handler.
func (s *Serializer) serializeValue(v reflect.Value, staticType reflect.Type, key string) error {
	switch classify(staticType) {
	case KindPrimitive:
		return s.serializePrimitive(v, key)
	case KindEnum:
		return s.serializeEnum(v, staticType, key)
	case KindString:
		return s.serializeString(v, key)
	case KindArray:
		return s.serializeArray(v, key)
	case KindMapping:
		return s.serializeMapping(v, key)
	case KindRecord:
		return s.serializeRecord(v, key)
	case KindObject:
		return s.serializeObject(v, staticType, key)
	case KindPointer:
		return s.serializePointer(v, key)
	case KindAlias:
		return s.serializeAlias(v, staticType, key)
	default:
		s.raise(ErrTypeNotSerializable, staticType.String(), "cannot serialize kind %s", staticType.Kind())
		return nil
	}
}

func (s *Serializer) serializePrimitive(v reflect.Value, key string) error {
	id := s.tracker.NextID()
	if addr, ok := addrOf(v); ok {
		s.tracker.RecordValue(addr, id, key)
	}
	val := v.Interface()
	return s.archive.ArchivePrimitive(val, primitiveTypeName(val), key, id)
}

func (s *Serializer) serializeEnum(v reflect.Value, staticType reflect.Type, key string) error {
	id := s.tracker.NextID()
	if addr, ok := addrOf(v); ok {
		s.tracker.RecordValue(addr, id, key)
	}
	return s.archive.ArchiveEnum(v.Interface(), underlyingValue(v), staticType.String(), key, id)
}

func (s *Serializer) serializeString(v reflect.Value, key string) error {
	str := v.String()
	rec := stringRecord(str)
	if rec.Base != 0 {
		if id, ok := s.tracker.LookupArray(rec); ok {
			return s.archive.ArchiveReference(key, id)
		}
	}
	id := s.tracker.NextID()
	if rec.Base != 0 {
		s.tracker.RecordArray(id, rec)
	}
	if addr, ok := addrOf(v); ok {
		s.tracker.RecordValue(addr, id, key)
	}
	return s.archive.ArchiveString(str, "byte", key, id)
}

func (s *Serializer) serializeArray(v reflect.Value, key string) error {
	t := v.Type()
	if t.Kind() == reflect.Slice && v.IsNil() {
		return s.archive.ArchiveNull(t.String(), key)
	}
	rec := arrayRecordOf(v)
	if rec.Base != 0 {
		if id, ok := s.tracker.LookupArray(rec); ok {
			return s.archive.ArchiveReference(key, id)
		}
	}
	id := s.tracker.NextID()
	if rec.Base != 0 {
		s.tracker.RecordArray(id, rec)
	}
	if addr, ok := addrOf(v); ok {
		s.tracker.RecordValue(addr, id, key)
	}
	elemType := t.Elem()
	return s.archive.ArchiveArray(rec, elemType.String(), key, id, func() error {
		for i := 0; i < v.Len(); i++ {
			if err := s.serializeValue(v.Index(i), elemType, s.tracker.NextKey()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Serializer) serializeMapping(v reflect.Value, key string) error {
	t := v.Type()
	if v.IsNil() {
		return s.archive.ArchiveNull(t.String(), key)
	}
	addr := v.Pointer()
	if id, ok := s.tracker.LookupAddr(addr); ok {
		return s.archive.ArchiveReference(key, id)
	}
	id := s.tracker.NextID()
	s.tracker.Assign(addr, id)
	if a, ok := addrOf(v); ok {
		s.tracker.RecordValue(a, id, key)
	}
	// Sorted entries keep the document deterministic run over run, which
	// the reset-idempotence property depends on.
	keys := sortedMapKeys(v)
	return s.archive.ArchiveAssociativeArray(t.Key().String(), t.Elem().String(), len(keys), key, id, func() error {
		for _, mk := range keys {
			kKey := s.tracker.NextKey()
			if err := s.archive.ArchiveAssociativeArrayKey(kKey, func() error {
				return s.serializeValue(mk, t.Key(), kKey)
			}); err != nil {
				return err
			}
			mv := v.MapIndex(mk)
			vKey := s.tracker.NextKey()
			if err := s.archive.ArchiveAssociativeArrayValue(vKey, func() error {
				return s.serializeValue(mv, t.Elem(), vKey)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Serializer) serializeRecord(v reflect.Value, key string) error {
	t := v.Type()
	id := s.tracker.NextID()
	if addr, ok := addrOf(v); ok {
		s.tracker.RecordValue(addr, id, key)
	}
	return s.archive.ArchiveStruct(t.String(), key, id, func() error {
		fireOnSerializing(v)
		if err := s.serializeRecordBody(v, t, key); err != nil {
			return err
		}
		fireOnSerialized(v)
		return nil
	})
}

// serializeRecordBody applies the custom-hook dispatch order: registered
// callback, then the Serializable capability, then the reflective field
// walk plus base chain.
func (s *Serializer) serializeRecordBody(v reflect.Value, t reflect.Type, key string) error {
	if cb, ok := s.customSerializers[t.String()]; ok {
		return cb(s, key, v)
	}
	if sz, ok := asSerializable(v); ok {
		return sz.ToData(s, key)
	}
	if err := s.walkStructFields(v); err != nil {
		return err
	}
	return s.serializeBases(v)
}

func (s *Serializer) serializeObject(v reflect.Value, staticType reflect.Type, key string) error {
	if v.IsNil() {
		return s.archive.ArchiveNull(staticType.String(), key)
	}
	concrete := v.Elem()
	runtimeName := derefType(concrete.Type()).String()

	var addr uintptr
	if concrete.Kind() == reflect.Ptr {
		addr = concrete.Pointer()
		if id, ok := s.tracker.LookupAddr(addr); ok {
			return s.archive.ArchiveReference(key, id)
		}
	}

	cb, hasCB := s.customSerializers[runtimeName]
	sz, isSerializable := concrete.Interface().(Serializable)
	if !hasCB && !isSerializable {
		if _, ok := lookupRegisteredType(runtimeName); !ok {
			s.raise(ErrUnregisteredRuntimeType, runtimeName, "runtime type has neither a registration nor a custom serializer")
			return s.archive.ArchiveNull(staticType.String(), key)
		}
	}

	id := s.tracker.NextID()
	if addr != 0 {
		s.tracker.Assign(addr, id)
	}
	return s.archive.ArchiveObject(runtimeName, staticType.String(), key, id, func() error {
		target := concrete
		for target.Kind() == reflect.Ptr {
			if target.IsNil() {
				return nil
			}
			target = target.Elem()
		}
		fireOnSerializing(target)
		switch {
		case hasCB:
			if err := cb(s, key, concrete); err != nil {
				return err
			}
		case isSerializable:
			if err := sz.ToData(s, key); err != nil {
				return err
			}
		case target.Kind() != reflect.Struct:
			if err := s.serializeValue(target, target.Type(), s.tracker.NextKey()); err != nil {
				return err
			}
		default:
			if err := s.walkStructFields(target); err != nil {
				return err
			}
			if err := s.serializeBases(target); err != nil {
				return err
			}
		}
		fireOnSerialized(target)
		return nil
	})
}

// serializePointer archives the pointee inline under the pointer node and
// records provenance for the pointer post-pass; if the pointee address
// also gets archived as a value somewhere in the graph, the post-pass
// adds an explicit pointer-to-value edge that the reading side prefers
// over the inline copy.
func (s *Serializer) serializePointer(v reflect.Value, key string) error {
	t := v.Type()
	if v.IsNil() {
		return s.archive.ArchiveNull(t.String(), key)
	}
	addr := v.Pointer()
	if id, ok := s.tracker.LookupAddr(addr); ok {
		return s.archive.ArchiveReference(key, id)
	}
	id := s.tracker.NextID()
	s.tracker.Assign(addr, id)
	s.tracker.RecordPointer(id, addr)
	if a, ok := addrOf(v); ok {
		s.tracker.RecordValue(a, id, key)
	}
	return s.archive.ArchivePointer(key, id, func() error {
		return s.serializeValue(v.Elem(), t.Elem(), s.tracker.NextKey())
	})
}

func (s *Serializer) serializeAlias(v reflect.Value, staticType reflect.Type, key string) error {
	under := underlyingOf(staticType)
	id := s.tracker.NextID()
	return s.archive.ArchiveTypedef(staticType.String(), key, id, func() error {
		return s.serializeValue(v.Convert(under), under, s.tracker.NextKey())
	})
}

// walkStructFields archives every declared, non-filtered field under its
// own name as key.
func (s *Serializer) walkStructFields(v reflect.Value) error {
	fields, _, _ := enumerateFields(v.Type())
	for _, f := range fields {
		if err := s.serializeValue(v.Field(f.Index), f.Type, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// serializeBases emits the base-class chain: the embedded field's own
// fields under a "base" opener, recursing for bases of bases.
func (s *Serializer) serializeBases(v reflect.Value) error {
	_, hasBase, baseType := enumerateFields(v.Type())
	if !hasBase {
		return nil
	}
	baseVal := v.Field(baseFieldIndex(v.Type()))
	for baseVal.Kind() == reflect.Ptr {
		if baseVal.IsNil() {
			return nil
		}
		baseVal = baseVal.Elem()
	}
	id := s.tracker.NextID()
	if baseVal.Kind() != reflect.Struct {
		return s.archive.ArchiveBaseClass(derefType(baseType).String(), "base", id, func() error {
			return s.serializeValue(baseVal, baseVal.Type(), s.tracker.NextKey())
		})
	}
	return s.archive.ArchiveBaseClass(derefType(baseType).String(), "base", id, func() error {
		if err := s.walkStructFields(baseVal); err != nil {
			return err
		}
		return s.serializeBases(baseVal)
	})
}

// --- helpers ------------------------------------------------------------

func addrOf(v reflect.Value) (uintptr, bool) {
	if !v.CanAddr() {
		return 0, false
	}
	return v.UnsafeAddr(), true
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// stringRecord captures a string's backing storage the same way slices
// are captured, so substrings participate in slice detection.
func stringRecord(s string) ArrayRecord {
	if len(s) == 0 {
		return ArrayRecord{ElemSize: 1}
	}
	return ArrayRecord{
		Base:     uintptr(unsafe.Pointer(unsafe.StringData(s))),
		Len:      len(s),
		ElemSize: 1,
	}
}

func arrayRecordOf(v reflect.Value) ArrayRecord {
	elemSize := v.Type().Elem().Size()
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return ArrayRecord{Len: v.Len(), ElemSize: elemSize}
		}
		return ArrayRecord{Base: v.Pointer(), Len: v.Len(), ElemSize: elemSize}
	case reflect.Array:
		if !v.CanAddr() || v.Len() == 0 {
			return ArrayRecord{Len: v.Len(), ElemSize: elemSize}
		}
		return ArrayRecord{Base: v.UnsafeAddr(), Len: v.Len(), ElemSize: elemSize}
	}
	return ArrayRecord{}
}

var kindTypes = map[reflect.Kind]reflect.Type{
	reflect.Bool:    reflect.TypeOf(false),
	reflect.Int:     reflect.TypeOf(int(0)),
	reflect.Int8:    reflect.TypeOf(int8(0)),
	reflect.Int16:   reflect.TypeOf(int16(0)),
	reflect.Int32:   reflect.TypeOf(int32(0)),
	reflect.Int64:   reflect.TypeOf(int64(0)),
	reflect.Uint:    reflect.TypeOf(uint(0)),
	reflect.Uint8:   reflect.TypeOf(uint8(0)),
	reflect.Uint16:  reflect.TypeOf(uint16(0)),
	reflect.Uint32:  reflect.TypeOf(uint32(0)),
	reflect.Uint64:  reflect.TypeOf(uint64(0)),
	reflect.Float32: reflect.TypeOf(float32(0)),
	reflect.Float64: reflect.TypeOf(float64(0)),
	reflect.String:  reflect.TypeOf(""),
}

// underlyingValue converts an enum-like named value to its unnamed
// primitive representation.
func underlyingValue(v reflect.Value) any {
	if t, ok := kindTypes[v.Kind()]; ok {
		return v.Convert(t).Interface()
	}
	return v.Interface()
}

func sortedMapKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return mapKeyLess(keys[i], keys[j]) })
	return keys
}

func mapKeyLess(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() < b.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return a.Uint() < b.Uint()
	case reflect.Float32, reflect.Float64:
		return a.Float() < b.Float()
	case reflect.String:
		return a.String() < b.String()
	default:
		return fmt.Sprint(a.Interface()) < fmt.Sprint(b.Interface())
	}
}

func hookTarget(v reflect.Value) any {
	if v.CanAddr() {
		return v.Addr().Interface()
	}
	if v.CanInterface() {
		return v.Interface()
	}
	return nil
}

func fireOnSerializing(v reflect.Value) {
	if h, ok := hookTarget(v).(onSerializing); ok {
		h.OnSerializing()
	}
}

func fireOnSerialized(v reflect.Value) {
	if h, ok := hookTarget(v).(onSerialized); ok {
		h.OnSerialized()
	}
}

func fireOnDeserializing(v reflect.Value) {
	if h, ok := hookTarget(v).(onDeserializing); ok {
		h.OnDeserializing()
	}
}

func fireOnDeserialized(v reflect.Value) {
	if h, ok := hookTarget(v).(onDeserialized); ok {
		h.OnDeserialized()
	}
}

func asSerializable(v reflect.Value) (Serializable, bool) {
	if v.CanAddr() {
		if sz, ok := v.Addr().Interface().(Serializable); ok {
			return sz, true
		}
	}
	if v.CanInterface() {
		if sz, ok := v.Interface().(Serializable); ok {
			return sz, true
		}
	}
	return nil, false
}
