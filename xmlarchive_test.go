package archiver_test

import (
	"strings"
	"testing"

	archiver "github.com/MichaelAJay/go-archiver"
)

// These tests pin the XML document shape itself: element names, the
// attribute vocabulary, and the header. Round-trip tests elsewhere prove
// the semantics; these prove the wire format stays put.

func serializeXML(t *testing.T, value any) string {
	t.Helper()
	s := newSerializer(t, archiver.FormatXML)
	data, err := s.Serialize(value)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return string(data)
}

func wantContains(t *testing.T, doc string, substrings ...string) {
	t.Helper()
	for _, sub := range substrings {
		if !strings.Contains(doc, sub) {
			t.Errorf("document missing %q:\n%s", sub, doc)
		}
	}
}

func TestXMLHeader(t *testing.T) {
	doc := serializeXML(t, 1)
	wantContains(t, doc,
		`<archive type="org.dsource.orange.xml" version="1.0.0">`,
		`<data>`,
		`</archive>`,
	)
}

func TestXMLPrimitiveElement(t *testing.T) {
	wantContains(t, serializeXML(t, 42), `<int key="0" id="0">42</int>`)
	wantContains(t, serializeXML(t, true), `<bool key="0" id="0">true</bool>`)
	wantContains(t, serializeXML(t, 3.5), `<float64 key="0" id="0">3.5</float64>`)
}

func TestXMLStringElement(t *testing.T) {
	wantContains(t, serializeXML(t, "hi"), `<string key="0" id="0" type="byte">hi</string>`)
}

func TestXMLEnumElement(t *testing.T) {
	wantContains(t, serializeXML(t, priorityHigh),
		`<enum key="0" id="0" type="archiver_test.priority" baseKind="int">3</enum>`)
}

func TestXMLNullElement(t *testing.T) {
	var p *int
	wantContains(t, serializeXML(t, p), `<null key="0" type="*int">`)
}

func TestXMLStructElement(t *testing.T) {
	doc := serializeXML(t, address{Street: "Rua Augusta", City: "Lisbon"})
	wantContains(t, doc,
		`<struct key="0" id="0" type="archiver_test.address">`,
		`<string key="Street" id="1" type="byte">Rua Augusta</string>`,
		`<string key="City" id="2" type="byte">Lisbon</string>`,
	)
}

func TestXMLArrayElement(t *testing.T) {
	doc := serializeXML(t, []int{7, 8})
	wantContains(t, doc,
		`<array key="0" id="0" type="int" length="2">`,
		`<int key="1" id="1">7</int>`,
		`<int key="2" id="2">8</int>`,
	)
}

func TestXMLAssociativeArrayElement(t *testing.T) {
	doc := serializeXML(t, map[string]int{"b": 2, "a": 1})
	wantContains(t, doc,
		`<associativeArray key="0" id="0" length="2" keyType="string" valueType="int">`,
		`<string key="1" id="1" type="byte">a</string>`,
		`<int key="2" id="2">1</int>`,
		`<string key="3" id="3" type="byte">b</string>`,
		`<int key="4" id="4">2</int>`,
	)
}

type twoLists struct {
	A []int
	B []int
}

func TestXMLReferenceElement(t *testing.T) {
	shared := []int{1, 2}
	doc := serializeXML(t, twoLists{A: shared, B: shared})
	wantContains(t, doc,
		`<array key="A" id="1" type="int" length="2">`,
		`<reference key="B">1</reference>`,
	)
}

func TestXMLSliceElement(t *testing.T) {
	all := []int{10, 20, 30, 40, 50}
	doc := serializeXML(t, window{All: all, View: all[1:4]})
	wantContains(t, doc,
		`<array key="All" id="1" type="int" length="5">`,
		`<slice key="View" id="7" length="3" offset="1" arrayId="1" keySpan="3">`,
	)
	if strings.Contains(doc, `<array key="View"`) {
		t.Errorf("contained array was not rewritten as a slice:\n%s", doc)
	}
}

func TestXMLPointerTargetEdge(t *testing.T) {
	c := &counter{Label: "hits", Count: 5}
	c.Cur = &c.Count
	doc := serializeXML(t, c)
	wantContains(t, doc,
		`<pointer key="Cur" id="4" target="3" targetKey="Count">`,
	)
}

func TestXMLBaseElement(t *testing.T) {
	doc := serializeXML(t, Dog{Animal: Animal{Legs: 4}, Name: "Rex"})
	wantContains(t, doc,
		`<struct key="0" id="0" type="archiver_test.Dog">`,
		`<string key="Name" id="1" type="byte">Rex</string>`,
		`<base key="base" id="2" type="archiver_test.Animal">`,
		`<int key="Legs" id="3">4</int>`,
	)
}

// TestXMLKeyOrderIndependence feeds a hand-written document whose fields
// appear in the reverse of declaration order; lookup is by key, so the
// reconstruction must not depend on child position.
func TestXMLKeyOrderIndependence(t *testing.T) {
	doc := `<archive type="org.dsource.orange.xml" version="1.0.0">
  <data>
    <struct key="0" id="0" type="archiver_test.address">
      <string key="City" id="2" type="byte">Lisbon</string>
      <string key="Street" id="1" type="byte">Rua Augusta</string>
    </struct>
  </data>
</archive>`

	s := newSerializer(t, archiver.FormatXML)
	got, err := archiver.DeserializeData[address](s, []byte(doc))
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	want := address{Street: "Rua Augusta", City: "Lisbon"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
