package archiver

// jsonArchive is an alternate Archive backend: the same node-tree shape as
// xmlArchive, encoded as JSON instead of XML.
type jsonArchive struct {
	*treeArchive
}

// NewJSONArchive constructs the JSON-tree Archive backend.
func NewJSONArchive() Archive {
	j := &jsonArchive{}
	j.treeArchive = newTreeArchive(j.encodeJSON, j.decodeJSON)
	return j
}

func (j *jsonArchive) encodeJSON(root *node) ([]byte, error) {
	doc := struct {
		Type    string `json:"type"`
		Version string `json:"version"`
		Data    *node  `json:"data"`
	}{Type: xmlArchiveType, Version: xmlArchiveVersion, Data: root}
	return fastJSON.Marshal(&doc)
}

func (j *jsonArchive) decodeJSON(data []byte) (*node, error) {
	var doc struct {
		Data *node `json:"data"`
	}
	if err := fastJSON.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Data, nil
}
