package archiver_test

import (
	"testing"

	archiver "github.com/MichaelAJay/go-archiver"
)

func TestDefaultRegistryFormats(t *testing.T) {
	for _, format := range []archiver.Format{archiver.FormatXML, archiver.FormatJSON, archiver.FormatMsgpack} {
		a, err := archiver.DefaultRegistry.New(format)
		if err != nil {
			t.Errorf("New(%s): %v", format, err)
		}
		if a == nil {
			t.Errorf("New(%s) returned nil archive", format)
		}
	}
}

func TestRegistryUnknownFormat(t *testing.T) {
	if _, ok := archiver.DefaultRegistry.Get(archiver.Format("bogus")); ok {
		t.Error("Get of unknown format reported ok")
	}
	if _, err := archiver.DefaultRegistry.New(archiver.Format("bogus")); err == nil {
		t.Error("New of unknown format returned no error")
	}
}

func TestRegistryReturnsFreshInstances(t *testing.T) {
	a1, _ := archiver.DefaultRegistry.Get(archiver.FormatXML)
	a2, _ := archiver.DefaultRegistry.Get(archiver.FormatXML)
	if a1 == a2 {
		t.Error("registry handed out a shared archive instance")
	}
}

func TestCustomRegistry(t *testing.T) {
	r := archiver.NewRegistry()
	r.Register(archiver.Format("tree"), archiver.NewXMLArchive)

	a, err := r.New(archiver.Format("tree"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := archiver.NewSerializer(a)
	data, err := s.Serialize(41)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := archiver.DeserializeData[int](s, data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if got != 41 {
		t.Errorf("got %d", got)
	}
}
