package archiver_test

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	archiver "github.com/MichaelAJay/go-archiver"
)

// formats contains all archive backends to test.
var formats = []struct {
	name   string
	format archiver.Format
}{
	{"XML", archiver.FormatXML},
	{"JSON", archiver.FormatJSON},
	{"Msgpack", archiver.FormatMsgpack},
}

func newSerializer(t testing.TB, format archiver.Format) *archiver.Serializer {
	t.Helper()
	a, err := archiver.DefaultRegistry.New(format)
	if err != nil {
		t.Fatalf("no backend for %s: %v", format, err)
	}
	return archiver.NewSerializer(a)
}

func roundTrip[T any](t *testing.T, format archiver.Format, value T) T {
	t.Helper()
	s := newSerializer(t, format)
	data, err := s.Serialize(value)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := archiver.DeserializeData[T](s, data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	return got
}

type address struct {
	Street string
	City   string
}

type person struct {
	Name    string
	Age     int
	Emails  []string
	Ratings map[string]int
	Home    address
	Nick    *string
}

type priority int

const (
	priorityLow  priority = 1
	priorityHigh priority = 3
)

type tags []string

func TestRoundTripPrimitives(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			if got := roundTrip(t, f.format, 42); got != 42 {
				t.Errorf("int: got %d", got)
			}
			if got := roundTrip(t, f.format, int8(-7)); got != -7 {
				t.Errorf("int8: got %d", got)
			}
			if got := roundTrip(t, f.format, uint32(9001)); got != 9001 {
				t.Errorf("uint32: got %d", got)
			}
			if got := roundTrip(t, f.format, 3.25); got != 3.25 {
				t.Errorf("float64: got %g", got)
			}
			if got := roundTrip(t, f.format, true); got != true {
				t.Errorf("bool: got %v", got)
			}
			if got := roundTrip(t, f.format, "hello world"); got != "hello world" {
				t.Errorf("string: got %q", got)
			}
			if got := roundTrip(t, f.format, ""); got != "" {
				t.Errorf("empty string: got %q", got)
			}
		})
	}
}

func TestRoundTripEnum(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			if got := roundTrip(t, f.format, priorityHigh); got != priorityHigh {
				t.Errorf("got %d, want %d", got, priorityHigh)
			}
		})
	}
}

func TestRoundTripCollections(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			ints := roundTrip(t, f.format, []int{1, 2, 3})
			if diff := cmp.Diff([]int{1, 2, 3}, ints); diff != "" {
				t.Errorf("slice mismatch (-want +got):\n%s", diff)
			}

			fixed := roundTrip(t, f.format, [3]string{"a", "bb", "ccc"})
			if fixed != [3]string{"a", "bb", "ccc"} {
				t.Errorf("array: got %v", fixed)
			}

			m := roundTrip(t, f.format, map[string]int{"one": 1, "two": 2})
			if diff := cmp.Diff(map[string]int{"one": 1, "two": 2}, m); diff != "" {
				t.Errorf("map mismatch (-want +got):\n%s", diff)
			}

			tg := roundTrip(t, f.format, tags{"x", "y"})
			if diff := cmp.Diff(tags{"x", "y"}, tg); diff != "" {
				t.Errorf("named slice mismatch (-want +got):\n%s", diff)
			}

			var nilSlice []int
			if got := roundTrip(t, f.format, nilSlice); got != nil {
				t.Errorf("nil slice: got %v", got)
			}

			empty := roundTrip(t, f.format, []int{})
			if empty == nil || len(empty) != 0 {
				t.Errorf("empty slice: got %v", empty)
			}
		})
	}
}

func TestRoundTripStruct(t *testing.T) {
	nick := "ada"
	want := person{
		Name:    "Ada Lovelace",
		Age:     36,
		Emails:  []string{"ada@analytical.engine", "countess@lovelace.uk"},
		Ratings: map[string]int{"math": 10, "poetry": 7},
		Home:    address{Street: "12 St James Square", City: "London"},
		Nick:    &nick,
	}
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			got := roundTrip(t, f.format, want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("person mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTripNilPointer(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			got := roundTrip(t, f.format, person{Name: "no nick"})
			if got.Nick != nil {
				t.Errorf("expected nil Nick, got %v", *got.Nick)
			}
		})
	}
}

type Animal struct {
	Legs int
}

type Dog struct {
	Animal
	Name string
}

func TestRoundTripEmbeddedBase(t *testing.T) {
	want := Dog{Animal: Animal{Legs: 4}, Name: "Rex"}
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			got := roundTrip(t, f.format, want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("embedded base mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// --- identity, sharing, cycles ------------------------------------------

type intPair struct {
	A *int
	B *int
}

func TestSharedPointerIdentity(t *testing.T) {
	n := 7
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			got := roundTrip(t, f.format, intPair{A: &n, B: &n})
			if got.A == nil || got.B == nil {
				t.Fatal("pointers were not reconstructed")
			}
			if *got.A != 7 {
				t.Errorf("got *A = %d", *got.A)
			}
			if got.A != got.B {
				t.Error("A and B no longer point at the same value")
			}
			*got.A = 99
			if *got.B != 99 {
				t.Error("write through A not visible through B")
			}
		})
	}
}

type counter struct {
	Label string
	Count int
	Cur   *int
}

func TestPointerIntoStruct(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			c := &counter{Label: "hits", Count: 5}
			c.Cur = &c.Count
			got := roundTrip(t, f.format, c)
			if got.Cur == nil {
				t.Fatal("Cur was not reconstructed")
			}
			if got.Cur != &got.Count {
				t.Error("Cur no longer points into the struct's own Count field")
			}
			got.Count = 11
			if *got.Cur != 11 {
				t.Error("write to Count not visible through Cur")
			}
		})
	}
}

type TreeNode struct {
	Value    int
	Children []*TreeNode
	Parent   *TreeNode
}

func TestCyclicGraph(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			root := &TreeNode{Value: 1}
			child := &TreeNode{Value: 2, Parent: root}
			root.Children = []*TreeNode{child}

			got := roundTrip(t, f.format, root)
			if len(got.Children) != 1 {
				t.Fatalf("got %d children", len(got.Children))
			}
			if got.Children[0].Value != 2 {
				t.Errorf("child value = %d", got.Children[0].Value)
			}
			if got.Children[0].Parent != got {
				t.Error("cycle was not preserved: child.Parent != root")
			}
		})
	}
}

func TestSelfReference(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			n := &TreeNode{Value: 5}
			n.Parent = n
			got := roundTrip(t, f.format, n)
			if got.Parent != got {
				t.Error("self-reference was not preserved")
			}
		})
	}
}

// --- slice detection -----------------------------------------------------

type window struct {
	All  []int
	View []int
	Meta map[string]int
}

func TestSliceSharing(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			all := []int{10, 20, 30, 40, 50}
			w := window{All: all, View: all[1:4], Meta: map[string]int{"n": 5}}

			got := roundTrip(t, f.format, w)
			if diff := cmp.Diff([]int{20, 30, 40}, got.View); diff != "" {
				t.Fatalf("view content mismatch (-want +got):\n%s", diff)
			}
			got.All[2] = -1
			if got.View[1] != -1 {
				t.Error("View no longer aliases All's storage")
			}
			if got.Meta["n"] != 5 {
				t.Errorf("Meta after slice node = %v", got.Meta)
			}
		})
	}
}

type lateWindow struct {
	View []int
	All  []int
}

func TestSliceSharingParentAfterView(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			all := []int{10, 20, 30, 40, 50}
			w := lateWindow{View: all[1:4], All: all}

			got := roundTrip(t, f.format, w)
			if diff := cmp.Diff([]int{20, 30, 40}, got.View); diff != "" {
				t.Fatalf("view content mismatch (-want +got):\n%s", diff)
			}
			got.All[2] = -1
			if got.View[1] != -1 {
				t.Error("View no longer aliases All's storage")
			}
		})
	}
}

type doc struct {
	Body    string
	Excerpt string
}

func TestSubstringSharing(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			body := "the quick brown fox"
			got := roundTrip(t, f.format, doc{Body: body, Excerpt: body[4:9]})
			if got.Body != body {
				t.Errorf("Body = %q", got.Body)
			}
			if got.Excerpt != "quick" {
				t.Errorf("Excerpt = %q", got.Excerpt)
			}
		})
	}
}

func TestIdenticalSliceValues(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			all := []int{1, 2, 3}
			got := roundTrip(t, f.format, lateWindow{View: all, All: all})
			got.All[0] = 42
			if got.View[0] != 42 {
				t.Error("identical slices no longer share storage")
			}
		})
	}
}

// --- polymorphism --------------------------------------------------------

type Shape interface {
	Area() float64
}

type Rect struct {
	W, H float64
}

func (r Rect) Area() float64 { return r.W * r.H }

type Circle struct {
	R float64
}

func (c Circle) Area() float64 { return 3.14159 * c.R * c.R }

type drawing struct {
	Main   Shape
	Backup Shape
}

func TestPolymorphicRoundTrip(t *testing.T) {
	archiver.RegisterType[Rect]()
	archiver.RegisterType[Circle]()
	t.Cleanup(archiver.ResetRegisteredTypes)

	want := drawing{Main: Rect{W: 2, H: 3}, Backup: Circle{R: 1}}
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			got := roundTrip(t, f.format, want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("drawing mismatch (-want +got):\n%s", diff)
			}
			if got.Main.Area() != 6 {
				t.Errorf("Main.Area() = %g", got.Main.Area())
			}
		})
	}
}

func TestNilInterface(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			got := roundTrip(t, f.format, drawing{})
			if got.Main != nil || got.Backup != nil {
				t.Errorf("expected nil shapes, got %+v", got)
			}
		})
	}
}

type unknownShape struct{ X int }

func (unknownShape) Area() float64 { return 0 }

func TestUnregisteredRuntimeType(t *testing.T) {
	s := newSerializer(t, archiver.FormatXML)
	_, err := s.Serialize(drawing{Main: unknownShape{X: 1}})
	var ae *archiver.ArchiveError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ArchiveError, got %v", err)
	}
	if ae.Kind != archiver.ErrUnregisteredRuntimeType {
		t.Errorf("kind = %s", ae.Kind)
	}
}

func TestUnregisteredRuntimeTypeNoOpCallback(t *testing.T) {
	s := newSerializer(t, archiver.FormatXML)
	s.SetDoNothingOnErrorCallback()
	data, err := s.Serialize(drawing{Main: unknownShape{X: 1}})
	if err != nil {
		t.Fatalf("expected defaulted run, got %v", err)
	}
	got, err := archiver.DeserializeData[drawing](s, data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if got.Main != nil {
		t.Errorf("expected defaulted nil Main, got %+v", got.Main)
	}
}

// --- lifecycle and custom hooks ------------------------------------------

type audited struct {
	Value  int
	Events []string `archiver:"-"`
}

func (a *audited) OnSerializing()   { a.Events = append(a.Events, "serializing") }
func (a *audited) OnSerialized()    { a.Events = append(a.Events, "serialized") }
func (a *audited) OnDeserializing() { a.Events = append(a.Events, "deserializing") }
func (a *audited) OnDeserialized()  { a.Events = append(a.Events, "deserialized") }

func TestLifecycleEvents(t *testing.T) {
	s := newSerializer(t, archiver.FormatXML)
	in := &audited{Value: 3}
	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if diff := cmp.Diff([]string{"serializing", "serialized"}, in.Events); diff != "" {
		t.Errorf("serialize events (-want +got):\n%s", diff)
	}
	got, err := archiver.DeserializeData[*audited](s, data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if got.Value != 3 {
		t.Errorf("Value = %d", got.Value)
	}
	if diff := cmp.Diff([]string{"deserializing", "deserialized"}, got.Events); diff != "" {
		t.Errorf("deserialize events (-want +got):\n%s", diff)
	}
}

func TestNonSerializedTag(t *testing.T) {
	s := newSerializer(t, archiver.FormatXML)
	data, err := s.Serialize(audited{Value: 1, Events: []string{"secret"}})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Error("tagged field leaked into the document")
	}
}

type temperature struct {
	Celsius float64
}

func (tp *temperature) ToData(s *archiver.Serializer, key string) error {
	_, err := s.Serialize(tp.Celsius*9/5+32, "fahrenheit")
	return err
}

func (tp *temperature) FromData(s *archiver.Serializer, key string) error {
	f, err := archiver.Deserialize[float64](s, "fahrenheit")
	if err != nil {
		return err
	}
	tp.Celsius = (f - 32) * 5 / 9
	return nil
}

func TestSerializableOverride(t *testing.T) {
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			s := newSerializer(t, f.format)
			data, err := s.Serialize(&temperature{Celsius: 100})
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}
			if f.format == archiver.FormatXML && !strings.Contains(string(data), `key="fahrenheit"`) {
				t.Errorf("custom wire shape missing: %s", data)
			}
			got, err := archiver.DeserializeData[*temperature](s, data)
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if got.Celsius != 100 {
				t.Errorf("Celsius = %g", got.Celsius)
			}
		})
	}
}

type secret struct {
	PIN int
}

func TestRegisteredCallbacks(t *testing.T) {
	s := newSerializer(t, archiver.FormatJSON)
	s.RegisterSerializer("archiver_test.secret", func(sz *archiver.Serializer, key string, v reflect.Value) error {
		_, err := sz.Serialize(v.Interface().(secret).PIN^1234, "masked")
		return err
	})
	s.RegisterDeserializer("archiver_test.secret", func(sz *archiver.Serializer, key string, v reflect.Value) error {
		m, err := archiver.Deserialize[int](sz, "masked")
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(secret{PIN: m ^ 1234}))
		return nil
	})

	data, err := s.Serialize(secret{PIN: 8642})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if strings.Contains(string(data), "8642") {
		t.Errorf("raw PIN leaked into the document: %s", data)
	}
	got, err := archiver.DeserializeData[secret](s, data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if got.PIN != 8642 {
		t.Errorf("PIN = %d", got.PIN)
	}
}

// --- error taxonomy ------------------------------------------------------

func TestErrorCases(t *testing.T) {
	s := newSerializer(t, archiver.FormatXML)

	_, err := s.Serialize(nil)
	var ae *archiver.ArchiveError
	if !errors.As(err, &ae) || ae.Kind != archiver.ErrTypeNotSerializable {
		t.Errorf("untyped nil: got %v", err)
	}

	_, err = s.Serialize(make(chan int))
	if !errors.As(err, &ae) || ae.Kind != archiver.ErrTypeNotSerializable {
		t.Errorf("chan: got %v", err)
	}

	_, err = archiver.Deserialize[int](s)
	if !errors.As(err, &ae) || ae.Kind != archiver.ErrAPIMisuse {
		t.Errorf("nested deserialize while idle: got %v", err)
	}

	if _, err := archiver.DeserializeData[int](s, []byte("not a document")); err == nil {
		t.Error("expected error for malformed data")
	}
}

func TestSerializerUsableAfterError(t *testing.T) {
	s := newSerializer(t, archiver.FormatXML)
	if _, err := s.Serialize(make(chan int)); err == nil {
		t.Fatal("expected error")
	}
	if got := roundTripWith(t, s, 5); got != 5 {
		t.Errorf("got %d after failed run", got)
	}
}

func roundTripWith(t *testing.T, s *archiver.Serializer, value int) int {
	t.Helper()
	data, err := s.Serialize(value)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := archiver.DeserializeData[int](s, data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	return got
}

// --- determinism ---------------------------------------------------------

func TestResetIdempotence(t *testing.T) {
	nick := "ada"
	value := person{
		Name:    "Ada",
		Age:     36,
		Emails:  []string{"one@x", "two@x"},
		Ratings: map[string]int{"b": 2, "a": 1, "c": 3},
		Nick:    &nick,
	}
	for _, f := range formats {
		t.Run(f.name, func(t *testing.T) {
			s := newSerializer(t, f.format)
			first, err := s.Serialize(value)
			if err != nil {
				t.Fatalf("first Serialize failed: %v", err)
			}
			second, err := s.Serialize(value)
			if err != nil {
				t.Fatalf("second Serialize failed: %v", err)
			}
			if !bytes.Equal(first, second) {
				t.Errorf("documents differ between runs:\n%s\n---\n%s", first, second)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	if archiver.VersionString() != archiver.Version {
		t.Errorf("VersionString() = %q", archiver.VersionString())
	}
	info := archiver.VersionInfo()
	if info["major"] != archiver.VersionMajor || info["minor"] != archiver.VersionMinor || info["patch"] != archiver.VersionPatch {
		t.Errorf("VersionInfo() = %v", info)
	}
}
