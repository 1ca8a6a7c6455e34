package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

// Search performs exact/prefix/tag filtering over stored entries.
// domains/categories are iterated; large stores should prefer a narrow
// KeyPrefix to bound the scan.
func (s *Store) Search(opts SearchOptions) ([]Entry, error) {
	domains := []Domain{Private, Public}
	if opts.Domain != "" {
		domains = []Domain{opts.Domain}
	}
	categories := allCategories()
	if opts.Category != "" {
		categories = []Category{opts.Category}
	}

	var out []Entry
	for _, d := range domains {
		for _, c := range categories {
			prefix := badgerKey(d, c, opts.KeyPrefix)
			err := s.db.ScanPrefix(prefix, func(k, v []byte) bool {
				rec, err := decodeRecord(v)
				if err != nil {
					return true
				}
				plaintext := rec.Value
				if rec.Domain == Private {
					// Private plaintext is derived, not stored, so each Private
					// hit is decrypted here; a Search with no Domain filter
					// covers both domains and so decrypts every Private match.
					dek, derr := decryptKeyFor(s, rec)
					if derr != nil {
						return true
					}
					pt, operr := openEntry(dek, rec, k)
					if operr != nil {
						return true
					}
					plaintext = pt
				}
				out = append(out, rec.toEntry(plaintext))
				if opts.Limit > 0 && len(out) >= opts.Limit {
					return false
				}
				return true
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func allCategories() []Category {
	return []Category{CategoryContext, CategoryPreference, CategoryProject, CategoryConversation, CategoryOther}
}

// SemanticSearch ranks entries by cosine similarity of their stored
// embedding to embed(query), filtering out results below minSimilarity.
func (s *Store) SemanticSearch(ctx context.Context, query string, limit int, minSimilarity float64) ([]ScoredEntry, error) {
	if s.embedder == nil {
		return nil, errs.New(errs.Config, "no embedding provider registered")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "embed query", err)
	}
	hits := s.vectors.Search(vec, limit)

	out := make([]ScoredEntry, 0, len(hits))
	for _, h := range hits {
		if h.Score < minSimilarity {
			continue
		}
		domain, category, key, ok := splitIndexID(h.ID)
		if !ok {
			continue
		}
		entry, found, err := s.Get(domain, category, key)
		if err != nil || !found {
			continue
		}
		out = append(out, ScoredEntry{Entry: entry, Score: h.Score})
	}
	return out, nil
}

// HybridSearch blends vector similarity and BM25 lexical scoring with a
// fixed convex weight (default 0.7/0.3) into a single ranking.
func (s *Store) HybridSearch(ctx context.Context, query string, limit int) ([]ScoredEntry, error) {
	lexHits, err := s.lexical.Search(query, limit*4)
	if err != nil {
		return nil, err
	}

	var vecScores map[string]float64
	if s.embedder != nil {
		if vec, err := s.embedder.Embed(ctx, query); err == nil {
			vecScores = make(map[string]float64)
			for _, h := range s.vectors.Search(vec, limit*4) {
				vecScores[h.ID] = h.Score
			}
		}
	}

	combined := make(map[string]float64)
	for _, h := range lexHits {
		combined[h.ID] += s.hybridLexicalWeight * h.Score
	}
	for id, score := range vecScores {
		combined[id] += s.hybridVectorWeight * score
	}

	type idScore struct {
		id    string
		score float64
	}
	ranked := make([]idScore, 0, len(combined))
	for id, sc := range combined {
		ranked = append(ranked, idScore{id, sc})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]ScoredEntry, 0, len(ranked))
	for _, r := range ranked {
		domain, category, key, ok := splitIndexID(r.id)
		if !ok {
			continue
		}
		entry, found, err := s.Get(domain, category, key)
		if err != nil || !found {
			continue
		}
		out = append(out, ScoredEntry{Entry: entry, Score: r.score})
	}
	return out, nil
}

func splitIndexID(id string) (Domain, Category, string, bool) {
	parts := strings.SplitN(id, "\x00", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return Domain(parts[0]), Category(parts[1]), parts[2], true
}
