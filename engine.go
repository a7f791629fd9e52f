package archiver

import (
	"reflect"
	"sort"
)

// runMode is the per-run state machine: idle -> serializing -> idle, or
// idle -> deserializing -> idle.
type runMode int

const (
	modeIdle runMode = iota
	modeSerializing
	modeDeserializing
)

// SerializerCallback is a user-supplied custom serializer/deserializer
// registered by runtime type name. On the serialize side v holds the value being
// archived; on the deserialize side v is the settable slot to fill.
type SerializerCallback func(s *Serializer, key string, v reflect.Value) error

// Serializer is the public façade: the backend-independent engine that
// drives recursion, dispatches to user hooks or the reflective field
// walk, fires lifecycle events, and runs post-processing. One instance
// is single-threaded and non-reentrant; it holds no mutex.
type Serializer struct {
	archive Archive
	tracker *Tracker
	mode    runMode
	errCB   ErrorCallback

	customSerializers   map[string]SerializerCallback
	customDeserializers map[string]SerializerCallback
}

// NewSerializer wires a Serializer to the given Archive backend. The
// Archive should be a fresh instance (e.g. from Registry.Get) since its
// node tree is per-run state, same as the Serializer's own Tracker.
func NewSerializer(a Archive) *Serializer {
	s := &Serializer{
		archive:             a,
		tracker:             newTracker(),
		errCB:               raisingErrorCallback,
		customSerializers:   make(map[string]SerializerCallback),
		customDeserializers: make(map[string]SerializerCallback),
	}
	a.SetErrorCallback(s.errCB)
	return s
}

// ErrorCallback returns the currently installed callback.
func (s *Serializer) ErrorCallback() ErrorCallback { return s.errCB }

// SetErrorCallback installs cb on both the engine and the backing
// Archive, so structural failures reported by the backend and semantic
// failures reported by the engine flow through one policy.
func (s *Serializer) SetErrorCallback(cb ErrorCallback) {
	s.errCB = cb
	s.archive.SetErrorCallback(cb)
}

// SetThrowOnErrorCallback installs the default, raising callback.
func (s *Serializer) SetThrowOnErrorCallback() { s.SetErrorCallback(raisingErrorCallback) }

// SetDoNothingOnErrorCallback installs the no-op callback, letting runs
// continue with kind-specific defaults.
func (s *Serializer) SetDoNothingOnErrorCallback() { s.SetErrorCallback(doNothingErrorCallback) }

func (s *Serializer) raise(kind ErrorKind, source, format string, args ...any) {
	s.errCB(newArchiveError(kind, source, format, args...))
}

// RegisterSerializer installs a custom serialize hook keyed by the runtime
// type name as reflect.Type.String reports it (package name and type name,
// e.g. "archiver_test.secret"). The key does not include the import path,
// so same-named types in packages that share a package name map to the
// same key.
func (s *Serializer) RegisterSerializer(typeName string, cb SerializerCallback) {
	s.customSerializers[typeName] = cb
}

// RegisterDeserializer installs a custom deserialize hook keyed by
// runtime type name.
func (s *Serializer) RegisterDeserializer(typeName string, cb SerializerCallback) {
	s.customDeserializers[typeName] = cb
}

// reset clears every table/counter and returns the run to idle.
func (s *Serializer) reset() {
	s.tracker.reset()
	s.mode = modeIdle
}

// Reset is the public spelling of reset().
func (s *Serializer) Reset() { s.reset() }

func (s *Serializer) keyOrNext(key []string) string {
	if len(key) > 0 && key[0] != "" {
		return key[0]
	}
	return s.tracker.NextKey()
}

// recoverRaise converts a panic thrown by the raising error callback back
// into an ordinary error return; any other panic propagates.
func recoverRaise(err *error) {
	if r := recover(); r != nil {
		if ae, ok := r.(*ArchiveError); ok {
			*err = ae
			return
		}
		panic(r)
	}
}

// Serialize converts value into the backend's opaque data. Called at the
// top level (mode idle) it begins a fresh run, walks value, runs the
// slice/pointer post-processing passes, and returns archive.UntypedData().
// Called while already serializing, e.g. from within a custom
// Serializable.ToData hook, it walks value inline into the open document
// and returns no data.
func (s *Serializer) Serialize(value any, key ...string) (data []byte, err error) {
	top := false
	defer func() {
		if r := recover(); r != nil {
			if ae, ok := r.(*ArchiveError); ok {
				err = ae
			} else {
				panic(r)
			}
		}
		if top && err != nil {
			s.mode = modeIdle
		}
	}()

	if s.mode == modeDeserializing {
		s.raise(ErrAPIMisuse, "Serialize", "called while a deserialize run is in progress")
		return nil, nil
	}

	v := reflect.ValueOf(value)
	if !v.IsValid() {
		s.raise(ErrTypeNotSerializable, "nil", "cannot serialize untyped nil")
		return nil, nil
	}

	top = s.mode == modeIdle
	if top {
		s.tracker.reset()
		s.archive.BeginArchiving()
		s.mode = modeSerializing
	}

	k := s.keyOrNext(key)
	if err = s.serializeValue(v, v.Type(), k); err != nil {
		if top {
			s.mode = modeIdle
		}
		return nil, err
	}

	if !top {
		return nil, nil
	}

	if err = s.postProcessSerialize(); err != nil {
		s.mode = modeIdle
		return nil, err
	}
	data, err = s.archive.UntypedData()
	s.mode = modeIdle
	return data, err
}

// DeserializeData is the top-level reading entrypoint. If a serialize
// run preceded without a reset, the Id/key counters and tables are reset
// first.
func DeserializeData[T any](s *Serializer, data []byte, key ...string) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ae, ok := r.(*ArchiveError); ok {
				err = ae
			} else {
				panic(r)
			}
		}
		if err != nil {
			s.mode = modeIdle
		}
	}()

	if s.mode != modeDeserializing {
		s.tracker.reset()
		if err = s.archive.BeginUnarchiving(data); err != nil {
			return result, err
		}
		s.mode = modeDeserializing
	}

	k := s.keyOrNext(key)
	t := reflect.TypeOf((*T)(nil)).Elem()
	slot := reflect.New(t).Elem()
	if err = s.deserializeInto(slot, k); err != nil {
		s.mode = modeIdle
		return result, err
	}

	if err = s.postProcessDeserialize(); err != nil {
		s.mode = modeIdle
		return result, err
	}
	s.mode = modeIdle
	return slot.Interface().(T), nil
}

// Deserialize is the nested entrypoint used from within a custom
// deserializer or lifecycle hook, reading from whatever document is
// already open. It requires a run already in progress (API-misuse
// otherwise).
func Deserialize[T any](s *Serializer, key ...string) (result T, err error) {
	defer recoverRaise(&err)

	if s.mode != modeDeserializing {
		s.raise(ErrAPIMisuse, "Deserialize", "called with no deserialize run in progress")
		return result, nil
	}
	k := s.keyOrNext(key)
	t := reflect.TypeOf((*T)(nil)).Elem()
	slot := reflect.New(t).Elem()
	if err = s.deserializeInto(slot, k); err != nil {
		return result, err
	}
	return slot.Interface().(T), nil
}

// SerializeBase walks one step up value's static supertype chain (the
// embedded field) during a custom serializer. It is a no-op at the root
// of the hierarchy.
func (s *Serializer) SerializeBase(value any) error {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return s.serializeBases(v)
}

// DeserializeBase is the dual of SerializeBase; value must be a pointer
// so the base fields can be written in place.
func (s *Serializer) DeserializeBase(value any) error {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return s.deserializeBases(v)
}

func baseFieldIndex(t reflect.Type) int {
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Anonymous {
			return i
		}
	}
	return -1
}

// --- post-processing ----------------------------------------------------

// postProcessSerialize runs the two serialize-side passes: the slice
// pass (rewrite contained arrays as slice edges) and the
// pointer pass (emit pointer-to-value edges for pointers whose pointee
// was archived as a value). Defects are reported through the installed
// callback once each and, under the no-op callback, aggregated into one
// returned error.
func (s *Serializer) postProcessSerialize() error {
	col := &errorCollector{}
	report := func(ae *ArchiveError) {
		s.errCB(ae)
		col.add(ae)
	}

	for _, id := range s.tracker.arrayOrder {
		rec := s.tracker.arrayRecord[id]
		if rec.Base != 0 {
			if parentID, ok := s.tracker.FindContainer(id, rec); ok {
				parent := s.tracker.arrayRecord[parentID]
				sl := Slice{
					Offset: int((rec.Base - parent.Base) / rec.ElemSize),
					Length: rec.Len,
				}
				if err := s.archive.ArchiveSlice(id, "", parentID, sl); err != nil {
					report(newArchiveError(ErrMalformedArchive, "slice-pass", "%v", err))
				}
				continue
			}
		}
		if err := s.archive.PostProcessArray(id); err != nil {
			report(newArchiveError(ErrMalformedArchive, "slice-pass", "%v", err))
		}
	}

	ptrIDs := make([]Id, 0, len(s.tracker.serializedPointers))
	for id := range s.tracker.serializedPointers {
		ptrIDs = append(ptrIDs, id)
	}
	sort.Slice(ptrIDs, func(i, j int) bool { return ptrIDs[i] < ptrIDs[j] })
	for _, ptrID := range ptrIDs {
		addr := s.tracker.serializedPointers[ptrID]
		if ref, ok := s.tracker.ValueAt(addr); ok {
			if err := s.archive.ArchivePointerToValue(ref.Id, ref.Key, ptrID); err != nil {
				report(newArchiveError(ErrMalformedArchive, "pointer-pass", "%v", err))
			}
			continue
		}
		if err := s.archive.PostProcessPointer(ptrID); err != nil {
			report(newArchiveError(ErrMalformedArchive, "pointer-pass", "%v", err))
		}
	}

	return col.errorOrNil()
}

// postProcessDeserialize resolves every pointer slot that was waiting on
// a value reconstructed later in the stream, and aliases every slice slot
// whose parent array appeared after it.
func (s *Serializer) postProcessDeserialize() error {
	col := &errorCollector{}
	report := func(ae *ArchiveError) {
		s.errCB(ae)
		col.add(ae)
	}

	pending := s.tracker.PendingPointers()
	valueIDs := make([]Id, 0, len(pending))
	for id := range pending {
		valueIDs = append(valueIDs, id)
	}
	sort.Slice(valueIDs, func(i, j int) bool { return valueIDs[i] < valueIDs[j] })
	for _, valueID := range valueIDs {
		v, ok := s.tracker.deserializedValues[valueID]
		if !ok || !v.IsValid() {
			report(newArchiveError(ErrMalformedArchive, "pointer-fixup", "pointer target id %d was never reconstructed", valueID))
			continue
		}
		for _, slot := range pending[valueID] {
			if !setPointerTo(slot, v) {
				report(newArchiveError(ErrMalformedArchive, "pointer-fixup", "cannot point %s at %s", slot.Type(), v.Type()))
			}
		}
	}

	for _, ps := range s.tracker.PendingSlices() {
		parent, ok := s.tracker.ResolvedValue(ps.ParentID)
		if !ok {
			report(newArchiveError(ErrMalformedArchive, "slice-fixup", "slice parent array id %d was never reconstructed", ps.ParentID))
			continue
		}
		if !aliasSliceInto(ps.Slot, parent, ps.Slice) {
			report(newArchiveError(ErrMalformedArchive, "slice-fixup", "cannot view %s as [%d:%d] of parent id %d", ps.Slot.Type(), ps.Slice.Offset, ps.Slice.Offset+ps.Slice.Length, ps.ParentID))
			continue
		}
		s.tracker.RecordDeserializedValue(ps.ID, ps.Slot)
	}

	return col.errorOrNil()
}

// setPointerTo points slot (a settable pointer-typed value) at v's
// storage. When v is not addressable, sharing degrades to a fresh copy.
func setPointerTo(slot, v reflect.Value) bool {
	if slot.Kind() != reflect.Ptr {
		return false
	}
	if v.CanAddr() && v.Addr().Type().AssignableTo(slot.Type()) {
		slot.Set(v.Addr())
		return true
	}
	if v.Type().AssignableTo(slot.Type().Elem()) {
		p := reflect.New(slot.Type().Elem())
		p.Elem().Set(v)
		slot.Set(p)
		return true
	}
	return false
}
