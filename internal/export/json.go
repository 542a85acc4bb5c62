package export

import (
	"encoding/json"
	"io"
	"math"

	"github.com/san-kum/dynmpc/internal/storage"
)

// Document is the JSON form of a stored run. NaN values, such as an aux
// quantity that could not be evaluated, are written as null.
type Document struct {
	Run    storage.RunMetadata   `json:"run"`
	Times  []float64             `json:"times"`
	Series map[string][]*float64 `json:"series"`
}

func NewDocument(meta storage.RunMetadata, traj *storage.Trajectory) *Document {
	doc := &Document{
		Run:    meta,
		Times:  append([]float64(nil), traj.Times...),
		Series: make(map[string][]*float64, len(traj.Columns)-1),
	}
	for j, name := range traj.Columns {
		if j == 0 {
			continue
		}
		vals := make([]*float64, len(traj.Rows))
		for k, row := range traj.Rows {
			if v := row[j-1]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				vals[k] = &v
			}
		}
		doc.Series[name] = vals
	}
	return doc
}

func WriteJSON(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
