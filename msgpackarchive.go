package archiver

import (
	"github.com/vmihailenco/msgpack/v5"
)

// msgpackArchive is a binary Archive backend. It carries the same
// identity/reference/slice node shape as xmlArchive and jsonArchive;
// msgpack is another Archive, not a bypass of the engine.
type msgpackArchive struct {
	*treeArchive
}

// NewMsgpackArchive constructs the binary tree-document Archive backend.
func NewMsgpackArchive() Archive {
	m := &msgpackArchive{}
	m.treeArchive = newTreeArchive(m.encodeMsgpack, m.decodeMsgpack)
	return m
}

func (m *msgpackArchive) encodeMsgpack(root *node) ([]byte, error) {
	doc := struct {
		Type    string `msgpack:"type"`
		Version string `msgpack:"version"`
		Data    *node  `msgpack:"data"`
	}{Type: xmlArchiveType, Version: xmlArchiveVersion, Data: root}
	return msgpack.Marshal(&doc)
}

func (m *msgpackArchive) decodeMsgpack(data []byte) (*node, error) {
	var doc struct {
		Data *node `msgpack:"data"`
	}
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Data, nil
}
