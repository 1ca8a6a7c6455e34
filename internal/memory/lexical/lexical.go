// Package lexical supplies the BM25 half of hybrid search via an embedded
// bleve index, kept in sync with the memory store's Public set calls and its
// delete calls.
package lexical

import (
	"github.com/blevesearch/bleve/v2"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// Index wraps an in-memory bleve index (no separate file on disk). It starts
// empty and holds only documents upserted since it was created; it is not
// rebuilt from the memory database's badger records on startup.
type Index struct {
	bi bleve.Index
}

type document struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// New constructs an empty in-memory bleve index.
func New() (*Index, error) {
	mapping := bleve.NewIndexMapping()
	bi, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "create lexical index", err)
	}
	return &Index{bi: bi}, nil
}

// Upsert indexes (or reindexes) text under id.
func (i *Index) Upsert(id, text string) error {
	if err := i.bi.Index(id, document{Key: id, Text: text}); err != nil {
		return errs.Wrap(errs.Internal, "index document", err)
	}
	return nil
}

func (i *Index) Delete(id string) error {
	if err := i.bi.Delete(id); err != nil {
		return errs.Wrap(errs.Internal, "delete document", err)
	}
	return nil
}

// Scored pairs a document id with a BM25-derived score, normalized to
// roughly [0, 1] by dividing by the top hit's score.
type Scored struct {
	ID    string
	Score float64
}

// Search runs a match query against Text and returns up to limit hits,
// highest score first.
func (i *Index) Search(query string, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := i.bi.Search(req)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "lexical search", err)
	}

	out := make([]Scored, 0, len(res.Hits))
	var maxScore float64
	for _, hit := range res.Hits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}
	for _, hit := range res.Hits {
		score := hit.Score
		if maxScore > 0 {
			score = hit.Score / maxScore
		}
		out = append(out, Scored{ID: hit.ID, Score: score})
	}
	return out, nil
}
