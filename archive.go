package archiver

import (
	"fmt"
)

// Archive is the narrow contract between the engine and a pluggable
// backend. Every opener is scoped: on all exit paths (including error)
// the archive's cursor is restored to the enclosing node, guaranteed by
// treeArchive's enter/enterRead rather than by convention.
//
// ArchiveBaseClass takes an inner action that holds the base's own
// fields. ArchiveSlice operates by Id against the already-written array
// node, since the tree backend can mutate a node in place instead of
// needing a separate emission call. The object, struct, array, mapping
// and pointer Unarchive* openers hand the node's id to the inner action so the engine can register the
// reconstructed value before recursing into children, which is what
// makes cyclic references resolvable.
type Archive interface {
	BeginArchiving()
	BeginUnarchiving(data []byte) error

	ArchiveObject(runtimeType, staticType, key string, id Id, inner func() error) error
	ArchiveStruct(typeName, key string, id Id, inner func() error) error
	ArchiveArray(rec ArrayRecord, elemType, key string, id Id, inner func() error) error
	ArchiveAssociativeArray(keyType, valueType string, length int, key string, id Id, inner func() error) error
	ArchiveAssociativeArrayKey(entryKey string, inner func() error) error
	ArchiveAssociativeArrayValue(entryKey string, inner func() error) error
	ArchivePointer(key string, id Id, inner func() error) error
	ArchivePointerToValue(targetID Id, targetKey string, pointerID Id) error
	ArchiveBaseClass(typeName, key string, id Id, inner func() error) error
	ArchiveString(value, elemType, key string, id Id) error
	ArchivePrimitive(value any, typeName, key string, id Id) error
	ArchiveEnum(value any, baseValue any, typeName, key string, id Id) error
	ArchiveTypedef(typeName, key string, id Id, inner func() error) error
	ArchiveReference(key string, targetID Id) error
	ArchiveNull(typeName, key string) error
	ArchiveSlice(id Id, key string, parentArrayID Id, s Slice) error

	PostProcessArray(id Id) error
	PostProcessPointer(id Id) error

	UntypedData() ([]byte, error)

	UnarchiveObject(key string, inner func(id Id, runtimeType string) error) (isNull bool, err error)
	UnarchiveStruct(key string, inner func(id Id) error) error
	UnarchiveArray(key string, inner func(id Id, length int, elemType string) error) (isNull bool, err error)
	UnarchiveAssociativeArray(key string, inner func(id Id, length int, keyType, valueType string) error) (isNull bool, err error)
	UnarchiveAssociativeArrayKey(entryKey string, inner func() error) error
	UnarchiveAssociativeArrayValue(entryKey string, inner func() error) error
	UnarchivePointer(key string, inner func(id Id) error) (isNull bool, err error)
	// UnarchivePointerTarget reads, from inside a pointer scope, the
	// pointer-to-value edge written by the serialize-side pointer
	// post-processing pass, if one exists.
	UnarchivePointerTarget() (valueID Id, ok bool, err error)
	UnarchiveBaseClass(typeName, key string, inner func() error) error
	UnarchiveString(key string) (value string, id Id, err error)
	UnarchivePrimitive(key string) (value any, typeName string, id Id, err error)
	UnarchiveEnum(key string) (baseValue any, typeName string, id Id, err error)
	UnarchiveTypedef(key string, inner func() error) error
	UnarchiveReference(key string) (id Id, ok bool, err error)
	// UnarchiveSlice reads a slice node at key, if one is there. keySpan is
	// the number of synthetic keys the writing walk consumed inside the
	// full array this node replaced; the engine advances its own key
	// counter by that amount to stay in step.
	UnarchiveSlice(key string) (s Slice, id Id, parentArrayID Id, keySpan int, ok bool, err error)

	SetErrorCallback(cb ErrorCallback)
}

// node is the generic tree-document shape shared by every Archive backend.
// Each backend renders this shape to its own wire format (XML text, JSON
// text, or msgpack binary) instead of reinventing structural encoding
// three times over.
type node struct {
	Name        string  `json:"name" msgpack:"name"`
	Key         string  `json:"key,omitempty" msgpack:"key,omitempty"`
	ID          *Id     `json:"id,omitempty" msgpack:"id,omitempty"`
	Type        string  `json:"type,omitempty" msgpack:"type,omitempty"`
	RuntimeType string  `json:"runtimeType,omitempty" msgpack:"runtimeType,omitempty"`
	BaseKind    string  `json:"baseKind,omitempty" msgpack:"baseKind,omitempty"`
	Length      *int    `json:"length,omitempty" msgpack:"length,omitempty"`
	KeyType     string  `json:"keyType,omitempty" msgpack:"keyType,omitempty"`
	ValueType   string  `json:"valueType,omitempty" msgpack:"valueType,omitempty"`
	Offset      *int    `json:"offset,omitempty" msgpack:"offset,omitempty"`
	ArrayID     *Id     `json:"arrayId,omitempty" msgpack:"arrayId,omitempty"`
	KeySpan     *int    `json:"keySpan,omitempty" msgpack:"keySpan,omitempty"`
	Ref         *Id     `json:"ref,omitempty" msgpack:"ref,omitempty"`
	Target      *Id     `json:"target,omitempty" msgpack:"target,omitempty"`
	TargetKey   string  `json:"targetKey,omitempty" msgpack:"targetKey,omitempty"`
	Text        string  `json:"text,omitempty" msgpack:"text,omitempty"`
	Value       any     `json:"value,omitempty" msgpack:"value,omitempty"`
	Children    []*node `json:"children,omitempty" msgpack:"children,omitempty"`
}

func intPtr(i int) *int { return &i }
func idPtr(i Id) *Id    { return &i }

func nodeID(n *node) Id {
	if n.ID == nil {
		return MaxID
	}
	return *n.ID
}

// treeArchive implements the structural half of Archive (building and
// walking a node tree) generically; a concrete backend only supplies
// encode/decode between a node tree and bytes. This is the common base
// embedded by xmlArchive, jsonArchive, and msgpackArchive.
type treeArchive struct {
	root  *node
	stack []*node

	arrayNodes map[Id]*node // for the slice post-pass to mutate in place
	ptrNodes   map[Id]*node // for the pointer post-pass to mutate in place

	readStack []*node // current scope during unarchiving; top = current

	errCB ErrorCallback

	encode func(root *node) ([]byte, error)
	decode func(data []byte) (*node, error)
}

func newTreeArchive(encode func(*node) ([]byte, error), decode func([]byte) (*node, error)) *treeArchive {
	return &treeArchive{
		errCB:  raisingErrorCallback,
		encode: encode,
		decode: decode,
	}
}

func (a *treeArchive) SetErrorCallback(cb ErrorCallback) { a.errCB = cb }

func (a *treeArchive) fail(kind ErrorKind, source, format string, args ...any) {
	a.errCB(newArchiveError(kind, source, format, args...))
}

func (a *treeArchive) BeginArchiving() {
	a.root = &node{Name: "data"}
	a.stack = []*node{a.root}
	a.arrayNodes = make(map[Id]*node)
	a.ptrNodes = make(map[Id]*node)
}

func (a *treeArchive) current() *node { return a.stack[len(a.stack)-1] }

// append adds n as a child of the current scope.
func (a *treeArchive) append(n *node) *node {
	cur := a.current()
	cur.Children = append(cur.Children, n)
	return n
}

// enter pushes n as the current scope, runs inner, and unconditionally
// restores the enclosing scope on every exit path.
func (a *treeArchive) enter(n *node, inner func() error) error {
	a.stack = append(a.stack, n)
	defer func() { a.stack = a.stack[:len(a.stack)-1] }()
	return inner()
}

func (a *treeArchive) ArchiveObject(runtimeType, staticType, key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "object", Key: key, ID: idPtr(id), RuntimeType: runtimeType, Type: staticType})
	return a.enter(n, inner)
}

func (a *treeArchive) ArchiveStruct(typeName, key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "struct", Key: key, ID: idPtr(id), Type: typeName})
	return a.enter(n, inner)
}

func (a *treeArchive) ArchiveArray(rec ArrayRecord, elemType, key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "array", Key: key, ID: idPtr(id), Type: elemType, Length: intPtr(rec.Len)})
	a.arrayNodes[id] = n
	return a.enter(n, inner)
}

func (a *treeArchive) ArchiveAssociativeArray(keyType, valueType string, length int, key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "associativeArray", Key: key, ID: idPtr(id), KeyType: keyType, ValueType: valueType, Length: intPtr(length)})
	return a.enter(n, inner)
}

func (a *treeArchive) ArchiveAssociativeArrayKey(entryKey string, inner func() error) error {
	return inner()
}

func (a *treeArchive) ArchiveAssociativeArrayValue(entryKey string, inner func() error) error {
	return inner()
}

func (a *treeArchive) ArchivePointer(key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "pointer", Key: key, ID: idPtr(id)})
	a.ptrNodes[id] = n
	return a.enter(n, inner)
}

// ArchivePointerToValue records, on the already-written pointer node, the
// explicit pointer-to-value edge produced by the serialize-side pointer
// post-processing pass. The inline pointee child stays in
// place; the reading side prefers the edge so the reconstructed pointer
// aliases the value's storage instead of the inline copy.
func (a *treeArchive) ArchivePointerToValue(targetID Id, targetKey string, pointerID Id) error {
	n, ok := a.ptrNodes[pointerID]
	if !ok {
		return fmt.Errorf("archiver: no pointer node recorded for id %d", pointerID)
	}
	n.Target = idPtr(targetID)
	n.TargetKey = targetKey
	return nil
}

func (a *treeArchive) ArchiveBaseClass(typeName, key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "base", Key: key, ID: idPtr(id), Type: typeName})
	return a.enter(n, inner)
}

func (a *treeArchive) ArchiveString(value, elemType, key string, id Id) error {
	n := a.append(&node{Name: "string", Key: key, ID: idPtr(id), Type: elemType, Text: value})
	// Strings participate in the slice pass the same way arrays do: a
	// substring sharing a larger string's storage is rewritten in place.
	a.arrayNodes[id] = n
	return nil
}

func (a *treeArchive) ArchivePrimitive(value any, typeName, key string, id Id) error {
	a.append(&node{Name: typeName, Key: key, ID: idPtr(id), Value: value})
	return nil
}

func (a *treeArchive) ArchiveEnum(value any, baseValue any, typeName, key string, id Id) error {
	// BaseKind records the underlying primitive kind name ("int64",
	// "string", ...) separately from typeName (the named type itself, e.g.
	// "main.Color"), since the XML backend needs it to parse the element
	// text back to the right Go kind; the named type's string has no
	// fixed relationship to its underlying representation.
	a.append(&node{Name: "enum", Key: key, ID: idPtr(id), Type: typeName, BaseKind: primitiveTypeName(baseValue), Value: baseValue})
	return nil
}

func (a *treeArchive) ArchiveTypedef(typeName, key string, id Id, inner func() error) error {
	n := a.append(&node{Name: "typedef", Key: key, ID: idPtr(id), Type: typeName})
	return a.enter(n, inner)
}

func (a *treeArchive) ArchiveReference(key string, targetID Id) error {
	a.append(&node{Name: "reference", Key: key, Ref: idPtr(targetID)})
	return nil
}

func (a *treeArchive) ArchiveNull(typeName, key string) error {
	a.append(&node{Name: "null", Key: key, Type: typeName})
	return nil
}

// ArchiveSlice rewrites the already-emitted full array node for id into a
// slice node in place. An empty key leaves the node's original key
// untouched.
func (a *treeArchive) ArchiveSlice(id Id, key string, parentArrayID Id, s Slice) error {
	n, ok := a.arrayNodes[id]
	if !ok {
		return fmt.Errorf("archiver: no array node recorded for id %d", id)
	}
	// The discarded children consumed synthetic keys while the full array
	// was being written; keySpan preserves that count so a reading walk can
	// keep its own key counter in step with the writing walk's.
	if span := countSyntheticKeys(n.Children); span > 0 {
		n.KeySpan = intPtr(span)
	}
	n.Name = "slice"
	n.Children = nil
	n.Type = ""
	n.Text = ""
	n.Value = nil
	n.ArrayID = idPtr(parentArrayID)
	n.Offset = intPtr(s.Offset)
	n.Length = intPtr(s.Length)
	if key != "" {
		n.Key = key
	}
	return nil
}

// countSyntheticKeys counts the nodes in a subtree whose key came from the
// run's synthetic key counter (all-digit keys); field names and "base"
// never collide with these since Go identifiers cannot start with a digit.
func countSyntheticKeys(children []*node) int {
	count := 0
	for _, c := range children {
		if isDigits(c.Key) {
			count++
		}
		count += countSyntheticKeys(c.Children)
	}
	return count
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (a *treeArchive) PostProcessArray(id Id) error   { return nil }
func (a *treeArchive) PostProcessPointer(id Id) error { return nil }

func (a *treeArchive) UntypedData() ([]byte, error) {
	return a.encode(a.root)
}

// --- reading side -----------------------------------------------------

func (a *treeArchive) BeginUnarchiving(data []byte) error {
	root, err := a.decode(data)
	if err != nil {
		return err
	}
	a.root = root
	a.readStack = []*node{root}
	return nil
}

func (a *treeArchive) curRead() *node { return a.readStack[len(a.readStack)-1] }

func findChild(parent *node, key string) *node {
	for _, c := range parent.Children {
		if c.Key == key {
			return c
		}
	}
	return nil
}

func (a *treeArchive) enterRead(n *node, inner func() error) error {
	a.readStack = append(a.readStack, n)
	defer func() { a.readStack = a.readStack[:len(a.readStack)-1] }()
	return inner()
}

func (a *treeArchive) UnarchiveObject(key string, inner func(id Id, runtimeType string) error) (bool, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing object element")
		return false, nil
	}
	if n.Name == "null" {
		return true, nil
	}
	return false, a.enterRead(n, func() error { return inner(nodeID(n), n.RuntimeType) })
}

func (a *treeArchive) UnarchiveStruct(key string, inner func(id Id) error) error {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing struct element")
		return nil
	}
	return a.enterRead(n, func() error { return inner(nodeID(n)) })
}

func (a *treeArchive) UnarchiveArray(key string, inner func(id Id, length int, elemType string) error) (bool, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing array element")
		return false, nil
	}
	if n.Name == "null" {
		return true, nil
	}
	if n.Name == "slice" {
		// A slice at this key is resolved by the engine via UnarchiveSlice
		// before ever reaching here; reaching this branch means the caller
		// skipped that check.
		a.fail(ErrMalformedArchive, key, "slice element read as array")
		return false, nil
	}
	length := 0
	if n.Length != nil {
		length = *n.Length
	}
	return false, a.enterRead(n, func() error { return inner(nodeID(n), length, n.Type) })
}

func (a *treeArchive) UnarchiveAssociativeArray(key string, inner func(id Id, length int, keyType, valueType string) error) (bool, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing associativeArray element")
		return false, nil
	}
	if n.Name == "null" {
		return true, nil
	}
	length := 0
	if n.Length != nil {
		length = *n.Length
	}
	return false, a.enterRead(n, func() error { return inner(nodeID(n), length, n.KeyType, n.ValueType) })
}

func (a *treeArchive) UnarchiveAssociativeArrayKey(entryKey string, inner func() error) error {
	return inner()
}

func (a *treeArchive) UnarchiveAssociativeArrayValue(entryKey string, inner func() error) error {
	return inner()
}

func (a *treeArchive) UnarchivePointer(key string, inner func(id Id) error) (bool, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing pointer element")
		return false, nil
	}
	if n.Name == "null" {
		return true, nil
	}
	return false, a.enterRead(n, func() error { return inner(nodeID(n)) })
}

func (a *treeArchive) UnarchivePointerTarget() (Id, bool, error) {
	n := a.curRead()
	if n.Target == nil {
		return 0, false, nil
	}
	return *n.Target, true, nil
}

func (a *treeArchive) UnarchiveBaseClass(typeName, key string, inner func() error) error {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing base element")
		return nil
	}
	return a.enterRead(n, inner)
}

func (a *treeArchive) UnarchiveString(key string) (string, Id, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing string element")
		return "", MaxID, nil
	}
	return n.Text, nodeID(n), nil
}

func (a *treeArchive) UnarchivePrimitive(key string) (any, string, Id, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing primitive element")
		return nil, "", MaxID, nil
	}
	return n.Value, n.Name, nodeID(n), nil
}

func (a *treeArchive) UnarchiveEnum(key string) (any, string, Id, error) {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing enum element")
		return nil, "", MaxID, nil
	}
	return n.Value, n.Type, nodeID(n), nil
}

func (a *treeArchive) UnarchiveTypedef(key string, inner func() error) error {
	n := findChild(a.curRead(), key)
	if n == nil {
		a.fail(ErrMalformedArchive, key, "missing typedef element")
		return nil
	}
	return a.enterRead(n, inner)
}

func (a *treeArchive) UnarchiveReference(key string) (Id, bool, error) {
	n := findChild(a.curRead(), key)
	if n == nil || n.Name != "reference" {
		return 0, false, nil
	}
	if n.Ref == nil {
		a.fail(ErrMalformedArchive, key, "reference element missing target id")
		return 0, true, nil
	}
	return *n.Ref, true, nil
}

func (a *treeArchive) UnarchiveSlice(key string) (Slice, Id, Id, int, bool, error) {
	n := findChild(a.curRead(), key)
	if n == nil || n.Name != "slice" {
		return Slice{}, MaxID, 0, 0, false, nil
	}
	s := Slice{}
	if n.Offset != nil {
		s.Offset = *n.Offset
	}
	if n.Length != nil {
		s.Length = *n.Length
	}
	var parent Id
	if n.ArrayID != nil {
		parent = *n.ArrayID
	}
	span := 0
	if n.KeySpan != nil {
		span = *n.KeySpan
	}
	return s, nodeID(n), parent, span, true, nil
}
