package archiver

import (
	"reflect"
	"strconv"
)

// Id is a run-unique integer assigned to every value position as the
// engine visits it (reference and null nodes carry none). MaxID is the
// sentinel meaning "no id."
type Id int64

const MaxID Id = 1<<63 - 1

// ArrayRecord captures the backing storage of an archived array or string:
// base address, element count, element size. Post-processing uses these to
// detect slice sharing.
type ArrayRecord struct {
	Base     uintptr
	Len      int
	ElemSize uintptr
}

// contains reports whether b is a sub-range of a sharing the same backing
// storage.
func (a ArrayRecord) contains(b ArrayRecord) bool {
	if a.ElemSize != b.ElemSize || a.ElemSize == 0 {
		return false
	}
	aEnd := a.Base + uintptr(a.Len)*a.ElemSize
	bEnd := b.Base + uintptr(b.Len)*b.ElemSize
	return a.Base <= b.Base && bEnd <= aEnd && a != b
}

// Slice is the (offset, length) pair relative to a parent array Id,
// emitted when an archived array turns out to be a sub-range of another.
type Slice struct {
	Offset int
	Length int
}

// pendingSlice is a settable slice-typed slot whose backing storage must
// be aliased into a parent array that had not been reconstructed yet when
// the slice node was read. Resolved by the deserialize post-pass.
type pendingSlice struct {
	Slot     reflect.Value
	ID       Id
	ParentID Id
	Slice    Slice
}

// Tracker holds every run-local identity and provenance table. One
// Tracker backs one Serializer; its lifetime is a single run, reset by
// Serializer.reset() or by the serializing->deserializing mode switch.
type Tracker struct {
	nextID  Id
	nextKey int

	// serialize side
	addrToID     map[uintptr]Id
	arrayRecord  map[Id]ArrayRecord
	arrayOrder   []Id             // insertion order, needed for deterministic slice-pass scans
	arrayIdentity map[ArrayRecord]Id // exact (base,len,elemSize) -> id, for array/string aliasing

	serializedPointers map[Id]uintptr         // pointer Id -> pointee address
	serializedValues   map[uintptr]pointerRef // pointee address -> {Id, key}

	// deserialize side
	idToValue            map[Id]reflect.Value
	deserializedPointers map[Id][]reflect.Value // value Id -> pointer slots awaiting it
	pointerTargetOf      map[Id]Id              // pointer Id -> the value Id it awaits
	deserializedValues   map[Id]reflect.Value   // value Id -> reconstructed value
	pendingSlices        []pendingSlice
}

type pointerRef struct {
	Id  Id
	Key string
}

func newTracker() *Tracker {
	t := &Tracker{}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.nextID = 0
	t.nextKey = 0
	t.addrToID = make(map[uintptr]Id)
	t.arrayRecord = make(map[Id]ArrayRecord)
	t.arrayOrder = nil
	t.arrayIdentity = make(map[ArrayRecord]Id)
	t.serializedPointers = make(map[Id]uintptr)
	t.serializedValues = make(map[uintptr]pointerRef)
	t.idToValue = make(map[Id]reflect.Value)
	t.deserializedPointers = make(map[Id][]reflect.Value)
	t.pointerTargetOf = make(map[Id]Id)
	t.deserializedValues = make(map[Id]reflect.Value)
	t.pendingSlices = nil
}

// NextID allocates the next run-unique identifier.
func (t *Tracker) NextID() Id {
	id := t.nextID
	t.nextID++
	return id
}

// NextKey formats the next synthetic key ("0", "1", ...), used whenever the
// caller does not supply one.
func (t *Tracker) NextKey() string {
	k := t.nextKey
	t.nextKey++
	return strconv.Itoa(k)
}

// SkipKeys advances the synthetic key counter by n without producing keys,
// used when reading a slice node whose discarded full-array children had
// consumed keys on the writing side.
func (t *Tracker) SkipKeys(n int) {
	t.nextKey += n
}

// LookupAddr returns the Id previously assigned to addr, if any. Reference-
// typed values are looked up by raw address identity.
func (t *Tracker) LookupAddr(addr uintptr) (Id, bool) {
	id, ok := t.addrToID[addr]
	return id, ok
}

// Assign records addr -> id for the remainder of the run.
func (t *Tracker) Assign(addr uintptr, id Id) {
	t.addrToID[addr] = id
}

// RecordArray stores the ArrayRecord for an archived array/string Id.
func (t *Tracker) RecordArray(id Id, rec ArrayRecord) {
	t.arrayRecord[id] = rec
	t.arrayOrder = append(t.arrayOrder, id)
	if rec.Base != 0 {
		t.arrayIdentity[rec] = id
	}
}

// LookupArray returns the Id of a previously-recorded array/string whose
// storage range is exactly rec (same base, length, and element size),
// not merely overlapping, which is the slice case handled separately by
// FindContainer. Used to detect the exact same array/string value
// appearing a second time in the graph.
func (t *Tracker) LookupArray(rec ArrayRecord) (Id, bool) {
	id, ok := t.arrayIdentity[rec]
	return id, ok
}

// FindContainer returns the Id of the first previously-recorded array that
// strictly contains rec's storage range; the first containing array wins.
func (t *Tracker) FindContainer(id Id, rec ArrayRecord) (Id, bool) {
	for _, candidateID := range t.arrayOrder {
		if candidateID == id {
			continue
		}
		candidate := t.arrayRecord[candidateID]
		if candidate.contains(rec) {
			return candidateID, true
		}
	}
	return 0, false
}

// RecordPointer stores pointer provenance for the post-processing pointer
// pass.
func (t *Tracker) RecordPointer(pointerID Id, pointeeAddr uintptr) {
	t.serializedPointers[pointerID] = pointeeAddr
}

// RecordValue records that the value at addr was archived with the given
// Id/key, so a later pointer pass can resolve pointer->value edges. The
// first record for an address wins: a pointer's inline pointee shares its
// address with the value already archived there, and the earlier, outer
// occurrence is the one other pointers should alias.
func (t *Tracker) RecordValue(addr uintptr, id Id, key string) {
	if _, ok := t.serializedValues[addr]; ok {
		return
	}
	t.serializedValues[addr] = pointerRef{Id: id, Key: key}
}

// ValueAt resolves the {Id,key} of a previously-serialized value at addr.
func (t *Tracker) ValueAt(addr uintptr) (pointerRef, bool) {
	ref, ok := t.serializedValues[addr]
	return ref, ok
}

// RecordDeserializedValue records that Id now has a live reconstructed
// value, where later references, slices and the pointer fixup pass can
// find it.
func (t *Tracker) RecordDeserializedValue(id Id, v reflect.Value) {
	t.deserializedValues[id] = v
	t.idToValue[id] = v
}

// AwaitPointer registers a settable pointer-typed slot waiting on the
// value with valueID. pointerID, when not MaxID, records which pointer
// node is doing the waiting so references to that pointer can join the
// same wait instead of copying a not-yet-fixed-up nil.
func (t *Tracker) AwaitPointer(valueID Id, pointerID Id, slot reflect.Value) {
	t.deserializedPointers[valueID] = append(t.deserializedPointers[valueID], slot)
	if pointerID != MaxID {
		t.pointerTargetOf[pointerID] = valueID
	}
}

// PointerTarget reports the value Id a pointer node is still awaiting.
func (t *Tracker) PointerTarget(pointerID Id) (Id, bool) {
	id, ok := t.pointerTargetOf[pointerID]
	return id, ok
}

// AwaitSlice registers a slice-typed slot whose parent array had not been
// reconstructed when the slice node was read.
func (t *Tracker) AwaitSlice(p pendingSlice) {
	t.pendingSlices = append(t.pendingSlices, p)
}

// PendingSlices returns the slots awaiting parent-array aliasing, for the
// deserialize post-pass.
func (t *Tracker) PendingSlices() []pendingSlice {
	return t.pendingSlices
}

// ResolvedValue returns the value already reconstructed for id, if any.
func (t *Tracker) ResolvedValue(id Id) (reflect.Value, bool) {
	v, ok := t.idToValue[id]
	return v, ok
}

// PendingPointers returns, keyed by awaited value Id, every pointer slot
// still waiting on its target, for the final deserialize-side fixup pass.
func (t *Tracker) PendingPointers() map[Id][]reflect.Value {
	return t.deserializedPointers
}
