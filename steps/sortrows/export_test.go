package sortrows

import "github.com/birdayz/rowflow/rrow"

var AppendKey = appendKey

// RowKeyAt builds the key of row sorted on the single field at index.
func RowKeyAt(row rrow.Row, index int) ([]byte, error) {
	return rowKey(nil, []sortKey{{name: "f", index: index}}, row, 0)
}
