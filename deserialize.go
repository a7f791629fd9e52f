package archiver

import (
	"reflect"
)

// deserializeInto is the reading-side dispatch point, the mirror of
// serializeValue: resolve a reference node if one sits at key, otherwise
// classify the slot's static type and route to the kind-specific reader.
// slot must be settable; readers write the reconstructed value in place.
func (s *Serializer) deserializeInto(slot reflect.Value, key string) error {
	refID, isRef, err := s.archive.UnarchiveReference(key)
	if err != nil {
		return err
	}
	if isRef {
		return s.resolveReference(slot, refID, key)
	}

	t := slot.Type()
	switch classify(t) {
	case KindPrimitive:
		return s.deserializePrimitive(slot, key)
	case KindEnum:
		return s.deserializeEnum(slot, key)
	case KindString:
		return s.deserializeString(slot, key)
	case KindArray:
		return s.deserializeArray(slot, key)
	case KindMapping:
		return s.deserializeMapping(slot, key)
	case KindRecord:
		return s.deserializeRecord(slot, key)
	case KindObject:
		return s.deserializeObject(slot, t, key)
	case KindPointer:
		return s.deserializePointer(slot, key)
	case KindAlias:
		return s.deserializeAlias(slot, t, key)
	default:
		s.raise(ErrTypeNotSerializable, t.String(), "cannot deserialize kind %s", t.Kind())
		return nil
	}
}

// resolveReference aims slot at the value previously reconstructed for
// refID. A reference to a pointer whose own target is still pending joins
// that pointer's wait instead of copying a not-yet-fixed-up value.
func (s *Serializer) resolveReference(slot reflect.Value, refID Id, key string) error {
	if slot.Kind() == reflect.Ptr {
		if valueID, pending := s.tracker.PointerTarget(refID); pending {
			s.tracker.AwaitPointer(valueID, MaxID, slot)
			return nil
		}
	}
	v, ok := s.tracker.ResolvedValue(refID)
	if !ok {
		s.raise(ErrMalformedArchive, key, "reference to id %d which has no reconstructed value", refID)
		return nil
	}
	if !assignValue(slot, v) {
		s.raise(ErrMalformedArchive, key, "cannot assign referenced %s to %s", v.Type(), slot.Type())
	}
	return nil
}

func (s *Serializer) deserializePrimitive(slot reflect.Value, key string) error {
	value, _, id, err := s.archive.UnarchivePrimitive(key)
	if err != nil {
		return err
	}
	if value != nil && !assignValue(slot, reflect.ValueOf(value)) {
		s.raise(ErrMalformedArchive, key, "cannot store %T into %s", value, slot.Type())
		return nil
	}
	s.tracker.RecordDeserializedValue(id, slot)
	return nil
}

func (s *Serializer) deserializeEnum(slot reflect.Value, key string) error {
	baseValue, _, id, err := s.archive.UnarchiveEnum(key)
	if err != nil {
		return err
	}
	if baseValue != nil && !assignValue(slot, reflect.ValueOf(baseValue)) {
		s.raise(ErrMalformedArchive, key, "cannot store %T into enum %s", baseValue, slot.Type())
		return nil
	}
	s.tracker.RecordDeserializedValue(id, slot)
	return nil
}

func (s *Serializer) deserializeString(slot reflect.Value, key string) error {
	if handled, err := s.readSliceNode(slot, key); handled || err != nil {
		return err
	}
	value, id, err := s.archive.UnarchiveString(key)
	if err != nil {
		return err
	}
	slot.SetString(value)
	s.tracker.RecordDeserializedValue(id, slot)
	return nil
}

func (s *Serializer) deserializeArray(slot reflect.Value, key string) error {
	if handled, err := s.readSliceNode(slot, key); handled || err != nil {
		return err
	}
	isNull, err := s.archive.UnarchiveArray(key, func(id Id, length int, elemType string) error {
		if slot.Kind() == reflect.Slice {
			slot.Set(reflect.MakeSlice(slot.Type(), length, length))
		} else if length > slot.Len() {
			s.raise(ErrMalformedArchive, key, "document length %d exceeds array length %d", length, slot.Len())
			length = slot.Len()
		}
		s.tracker.RecordDeserializedValue(id, slot)
		for i := 0; i < length; i++ {
			if err := s.deserializeInto(slot.Index(i), s.tracker.NextKey()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_ = isNull // a null leaves the slot's zero value (nil slice) in place
	return nil
}

// readSliceNode handles a slice node sitting where a full array or string
// was expected: the serialize-side slice pass rewrote this value into an
// (offset, length) view of a parent array. When the parent is already
// reconstructed the slot aliases it immediately; otherwise resolution is
// deferred to the deserialize post-pass.
func (s *Serializer) readSliceNode(slot reflect.Value, key string) (bool, error) {
	sl, id, parentID, keySpan, ok, err := s.archive.UnarchiveSlice(key)
	if err != nil || !ok {
		return ok, err
	}
	s.tracker.SkipKeys(keySpan)
	if parent, found := s.tracker.ResolvedValue(parentID); found {
		if aliasSliceInto(slot, parent, sl) {
			s.tracker.RecordDeserializedValue(id, slot)
			return true, nil
		}
	}
	s.tracker.AwaitSlice(pendingSlice{Slot: slot, ID: id, ParentID: parentID, Slice: sl})
	return true, nil
}

// aliasSliceInto points slot at the [Offset, Offset+Length) sub-range of
// parent, sharing storage when Go's type system allows it (slice-of-slice,
// substring) and degrading to an element copy otherwise (fixed arrays).
func aliasSliceInto(slot, parent reflect.Value, sl Slice) bool {
	end := sl.Offset + sl.Length
	if sl.Offset < 0 || end > parent.Len() {
		return false
	}

	if parent.Kind() == reflect.String {
		if slot.Kind() != reflect.String {
			return false
		}
		slot.SetString(parent.String()[sl.Offset:end])
		return true
	}

	if parent.Kind() == reflect.Array {
		if !parent.CanAddr() {
			return false
		}
		parent = parent.Slice(sl.Offset, end)
	} else if parent.Kind() == reflect.Slice {
		parent = parent.Slice(sl.Offset, end)
	} else {
		return false
	}

	switch {
	case slot.Kind() == reflect.String && parent.Type().Elem().Kind() == reflect.Uint8:
		slot.SetString(string(parent.Bytes()))
		return true
	case slot.Kind() == reflect.Array:
		if slot.Len() != parent.Len() {
			return false
		}
		reflect.Copy(slot.Slice(0, slot.Len()), parent)
		return true
	case parent.Type().AssignableTo(slot.Type()):
		slot.Set(parent)
		return true
	case parent.Type().ConvertibleTo(slot.Type()):
		slot.Set(parent.Convert(slot.Type()))
		return true
	}
	return false
}

func (s *Serializer) deserializeMapping(slot reflect.Value, key string) error {
	t := slot.Type()
	_, err := s.archive.UnarchiveAssociativeArray(key, func(id Id, length int, keyType, valueType string) error {
		m := reflect.MakeMapWithSize(t, length)
		slot.Set(m)
		s.tracker.RecordDeserializedValue(id, slot)
		for i := 0; i < length; i++ {
			kSlot := reflect.New(t.Key()).Elem()
			kKey := s.tracker.NextKey()
			if err := s.archive.UnarchiveAssociativeArrayKey(kKey, func() error {
				return s.deserializeInto(kSlot, kKey)
			}); err != nil {
				return err
			}
			vSlot := reflect.New(t.Elem()).Elem()
			vKey := s.tracker.NextKey()
			if err := s.archive.UnarchiveAssociativeArrayValue(vKey, func() error {
				return s.deserializeInto(vSlot, vKey)
			}); err != nil {
				return err
			}
			m.SetMapIndex(kSlot, vSlot)
		}
		return nil
	})
	return err
}

func (s *Serializer) deserializeRecord(slot reflect.Value, key string) error {
	t := slot.Type()
	return s.archive.UnarchiveStruct(key, func(id Id) error {
		// Register before walking children so cyclic references back into
		// this value resolve while it is still under construction.
		s.tracker.RecordDeserializedValue(id, slot)
		fireOnDeserializing(slot)
		if err := s.deserializeRecordBody(slot, t, key); err != nil {
			return err
		}
		fireOnDeserialized(slot)
		return nil
	})
}

// deserializeRecordBody applies the same dispatch order as the writing
// side: registered callback, then the Serializable capability, then the
// reflective field walk plus base chain.
func (s *Serializer) deserializeRecordBody(slot reflect.Value, t reflect.Type, key string) error {
	if cb, ok := s.customDeserializers[t.String()]; ok {
		return cb(s, key, slot)
	}
	if sz, ok := asSerializable(slot); ok {
		return sz.FromData(s, key)
	}
	if err := s.readStructFieldsInto(slot); err != nil {
		return err
	}
	return s.deserializeBases(slot)
}

func (s *Serializer) deserializeObject(slot reflect.Value, staticType reflect.Type, key string) error {
	_, err := s.archive.UnarchiveObject(key, func(id Id, runtimeType string) error {
		cb, hasCB := s.customDeserializers[runtimeType]
		rt, registered := lookupRegisteredType(runtimeType)
		if !registered && !hasCB {
			s.raise(ErrUnregisteredRuntimeType, runtimeType, "runtime type has neither a registration nor a custom deserializer")
			return nil
		}
		if !registered {
			// Custom-deserializer-only types still need a concrete shape to
			// fill; without a registration the callback gets the interface
			// slot itself and must allocate.
			s.tracker.RecordDeserializedValue(id, slot)
			fireOnDeserializing(slot)
			if err := cb(s, key, slot); err != nil {
				return err
			}
			fireOnDeserialized(slot)
			return nil
		}

		pv := reflect.New(rt)
		target := pv.Elem()

		// Store the value itself when the interface accepts it; a pointer
		// only when the method set demands one (pointer receivers).
		usePtr := !rt.AssignableTo(staticType) && pv.Type().AssignableTo(staticType)
		if usePtr {
			slot.Set(pv)
			s.tracker.RecordDeserializedValue(id, pv)
		} else {
			s.tracker.RecordDeserializedValue(id, target)
		}

		fireOnDeserializing(target)
		switch {
		case hasCB:
			if err := cb(s, key, target); err != nil {
				return err
			}
		default:
			if sz, ok := asSerializable(target); ok {
				if err := sz.FromData(s, key); err != nil {
					return err
				}
				break
			}
			if target.Kind() != reflect.Struct {
				if err := s.deserializeInto(target, s.tracker.NextKey()); err != nil {
					return err
				}
				break
			}
			if err := s.readStructFieldsInto(target); err != nil {
				return err
			}
			if err := s.deserializeBases(target); err != nil {
				return err
			}
		}
		fireOnDeserialized(target)

		if !usePtr {
			if !assignValue(slot, target) {
				s.raise(ErrMalformedArchive, key, "reconstructed %s does not satisfy %s", rt, staticType)
			}
		}
		return nil
	})
	return err
}

// deserializePointer always reads the inline pointee first, keeping the
// synthetic key counter in step with the writing side, then applies the
// pointer-to-value edge (if the serialize-side pointer pass wrote one) so
// the pointer aliases the shared value's storage instead of the inline
// copy.
func (s *Serializer) deserializePointer(slot reflect.Value, key string) error {
	t := slot.Type()
	_, err := s.archive.UnarchivePointer(key, func(id Id) error {
		p := reflect.New(t.Elem())
		slot.Set(p)
		s.tracker.RecordDeserializedValue(id, slot)

		if err := s.deserializeInto(p.Elem(), s.tracker.NextKey()); err != nil {
			return err
		}

		valueID, hasTarget, err := s.archive.UnarchivePointerTarget()
		if err != nil {
			return err
		}
		if hasTarget {
			if v, ok := s.tracker.ResolvedValue(valueID); ok && v.CanAddr() {
				if !setPointerTo(slot, v) {
					s.raise(ErrMalformedArchive, key, "cannot point %s at %s", slot.Type(), v.Type())
				}
			} else {
				s.tracker.AwaitPointer(valueID, id, slot)
			}
		}
		return nil
	})
	return err
}

func (s *Serializer) deserializeAlias(slot reflect.Value, staticType reflect.Type, key string) error {
	under := underlyingOf(staticType)
	return s.archive.UnarchiveTypedef(key, func() error {
		tmp := reflect.New(under).Elem()
		if err := s.deserializeInto(tmp, s.tracker.NextKey()); err != nil {
			return err
		}
		slot.Set(tmp.Convert(staticType))
		return nil
	})
}

// readStructFieldsInto fills every declared, non-filtered field from the
// node stored under the field's name.
func (s *Serializer) readStructFieldsInto(v reflect.Value) error {
	fields, _, _ := enumerateFields(v.Type())
	for _, f := range fields {
		if err := s.deserializeInto(v.Field(f.Index), f.Name); err != nil {
			return err
		}
	}
	return nil
}

// deserializeBases reads the base-class chain written by the serializing
// side, allocating pointer-shaped embedded bases as needed.
func (s *Serializer) deserializeBases(v reflect.Value) error {
	_, hasBase, baseType := enumerateFields(v.Type())
	if !hasBase {
		return nil
	}
	baseVal := v.Field(baseFieldIndex(v.Type()))
	for baseVal.Kind() == reflect.Ptr {
		if baseVal.IsNil() {
			baseVal.Set(reflect.New(baseVal.Type().Elem()))
		}
		baseVal = baseVal.Elem()
	}
	typeName := derefType(baseType).String()
	if baseVal.Kind() != reflect.Struct {
		return s.archive.UnarchiveBaseClass(typeName, "base", func() error {
			return s.deserializeInto(baseVal, s.tracker.NextKey())
		})
	}
	return s.archive.UnarchiveBaseClass(typeName, "base", func() error {
		if err := s.readStructFieldsInto(baseVal); err != nil {
			return err
		}
		return s.deserializeBases(baseVal)
	})
}

// assignValue stores v into slot, converting when the types are distinct
// but convertible (document numerics vs. the slot's declared kind).
func assignValue(slot, v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	if v.Type().AssignableTo(slot.Type()) {
		slot.Set(v)
		return true
	}
	if v.Type().ConvertibleTo(slot.Type()) {
		slot.Set(v.Convert(slot.Type()))
		return true
	}
	return false
}
