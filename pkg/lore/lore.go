// Package lore implements the semantic world-knowledge index: embedding-backed
// lore entries stored as JSON records, with type and tag index sets for
// filtered retrieval and cosine-similarity search for prompt context.
package lore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/adapters/embedding"
	"github.com/wyldmark/fable/pkg/errmodel"
	"github.com/wyldmark/fable/pkg/gamestore"
)

// EntryType enumerates the kinds of lore entries.
type EntryType string

const (
	TypeCharacter EntryType = "character"
	TypeLocation  EntryType = "location"
	TypeItem      EntryType = "item"
	TypeWorldRule EntryType = "world_rule"
	TypeQuest     EntryType = "quest"
)

// ValidType reports whether t is one of the known entry types.
func ValidType(t EntryType) bool {
	switch t {
	case TypeCharacter, TypeLocation, TypeItem, TypeWorldRule, TypeQuest:
		return true
	}
	return false
}

// Entry is a single world-knowledge record. The embedding is computed over
// "{title}: {content}" and must be regenerated whenever content changes.
type Entry struct {
	ID        string           `json:"id"`
	Type      EntryType        `json:"type"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Embedding embedding.Vector `json:"embedding"`
	Tags      []string         `json:"tags"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Update carries partial changes for UpdateEntry. Nil fields are left as-is.
type Update struct {
	Title   *string
	Content *string
	Tags    []string
}

func entryKey(id string) string      { return "lore:" + id }
func typeKey(t EntryType) string     { return "lore:type:" + string(t) }
func tagKey(tag string) string       { return "lore:tag:" + tag }
func isIndexKey(key string) bool {
	return strings.Contains(key, ":type:") || strings.Contains(key, ":tag:")
}

// Index is the lore retrieval service. Search is a linear scan over the
// candidate set; fine for a small hand-curated corpus, not for thousands of
// entries.
type Index struct {
	store    gamestore.Store
	embedder embedding.Embedder
}

// New returns an Index over store. embedder may be nil, in which case entry
// creation and similarity search fail with an embedding error while reads
// by type still work.
func New(store gamestore.Store, embedder embedding.Embedder) *Index {
	return &Index{store: store, embedder: embedder}
}

// GenerateEmbedding embeds a single text. Not retried: embedding failure is
// fatal to the operation that needed it.
func (x *Index) GenerateEmbedding(ctx context.Context, text string) (embedding.Vector, error) {
	if x.embedder == nil {
		return nil, errmodel.EmbeddingUnavailable("no embedding provider configured", nil)
	}
	vecs, err := x.embedder.Embed(ctx, []string{text}, nil)
	if err != nil {
		return nil, errmodel.EmbeddingUnavailable("embedding request failed", err)
	}
	if len(vecs) == 0 {
		return nil, errmodel.EmbeddingUnavailable("embedding provider returned no vector", nil)
	}
	return vecs[0], nil
}

// CreateEntry embeds "{title}: {content}", stores the record, and registers
// the id in the type index and every tag index. The index writes are not
// transactional with the record write; a failure mid-way leaves the record
// present but under-indexed.
func (x *Index) CreateEntry(ctx context.Context, t EntryType, title, content string, tags []string) (string, error) {
	if !ValidType(t) {
		return "", errmodel.Validation(errmodel.CodeInvalidPayload, fmt.Sprintf("unknown lore type %q", t), nil)
	}
	if title == "" || content == "" {
		return "", errmodel.Validation(errmodel.CodeInvalidPayload, "lore title and content are required", nil)
	}
	vec, err := x.GenerateEmbedding(ctx, title+": "+content)
	if err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()
	id := fmt.Sprintf("%s_%d_%s", t, now, randSuffix())
	entry := Entry{
		ID:        id,
		Type:      t,
		Title:     title,
		Content:   content,
		Embedding: vec,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := x.putEntry(ctx, entry); err != nil {
		return "", err
	}
	if err := x.store.SAdd(ctx, typeKey(t), id); err != nil {
		return "", errmodel.StoreUnavailable("lore type index", err)
	}
	for _, tag := range tags {
		if err := x.store.SAdd(ctx, tagKey(tag), id); err != nil {
			return "", errmodel.StoreUnavailable("lore tag index", err)
		}
	}
	log.WithFields(log.Fields{"id": id, "type": t}).Info("created lore entry")
	return id, nil
}

// Get returns an entry by id, or (nil, nil) when absent.
func (x *Index) Get(ctx context.Context, id string) (*Entry, error) {
	raw, ok, err := x.store.Get(ctx, entryKey(id))
	if err != nil {
		return nil, errmodel.StoreUnavailable("lore read", err)
	}
	if !ok {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, errmodel.System(errmodel.CodeInternal, "corrupt lore record "+id, nil, err)
	}
	return &e, nil
}

// GetByType returns every entry registered under a type. Entries that fail
// to load are skipped with a warning rather than failing the whole read.
func (x *Index) GetByType(ctx context.Context, t EntryType) ([]Entry, error) {
	ids, err := x.store.SMembers(ctx, typeKey(t))
	if err != nil {
		return nil, errmodel.StoreUnavailable("lore type index read", err)
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := x.Get(ctx, id)
		if err != nil || e == nil {
			log.WithField("id", id).Warn("skipping unreadable lore entry")
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// SearchBySimilarity embeds the query and ranks candidates by cosine
// similarity, descending, truncated to limit. When t is non-empty the
// candidate set is the type index; otherwise every lore record is scanned.
func (x *Index) SearchBySimilarity(ctx context.Context, query string, limit int, t EntryType) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	queryVec, err := x.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	var ids []string
	if t != "" {
		ids, err = x.store.SMembers(ctx, typeKey(t))
		if err != nil {
			return nil, errmodel.StoreUnavailable("lore type index read", err)
		}
	} else {
		keys, err := x.store.Keys(ctx, "lore:*")
		if err != nil {
			return nil, errmodel.StoreUnavailable("lore key scan", err)
		}
		for _, k := range keys {
			if isIndexKey(k) {
				continue
			}
			ids = append(ids, strings.TrimPrefix(k, "lore:"))
		}
	}

	type scored struct {
		entry Entry
		sim   float64
	}
	ranked := make([]scored, 0, len(ids))
	for _, id := range ids {
		e, err := x.Get(ctx, id)
		if err != nil || e == nil {
			log.WithField("id", id).Warn("skipping unreadable lore entry")
			continue
		}
		ranked = append(ranked, scored{entry: *e, sim: CosineSimilarity(queryVec, e.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Entry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out, nil
}

// UpdateEntry applies partial changes. The embedding is regenerated only when
// content changes. Returns false when the entry does not exist.
func (x *Index) UpdateEntry(ctx context.Context, id string, u Update) (bool, error) {
	e, err := x.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	if u.Title != nil {
		e.Title = *u.Title
	}
	contentChanged := u.Content != nil && *u.Content != e.Content
	if u.Content != nil {
		e.Content = *u.Content
	}
	if u.Tags != nil {
		// Reindex tags: prune the old memberships before adopting the new set.
		for _, tag := range e.Tags {
			if err := x.store.SRem(ctx, tagKey(tag), id); err != nil {
				return false, errmodel.StoreUnavailable("lore tag index", err)
			}
		}
		e.Tags = u.Tags
		for _, tag := range e.Tags {
			if err := x.store.SAdd(ctx, tagKey(tag), id); err != nil {
				return false, errmodel.StoreUnavailable("lore tag index", err)
			}
		}
	}
	if contentChanged {
		vec, err := x.GenerateEmbedding(ctx, e.Title+": "+e.Content)
		if err != nil {
			return false, err
		}
		e.Embedding = vec
	}
	e.UpdatedAt = time.Now().UnixMilli()
	if err := x.putEntry(ctx, *e); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteEntry prunes the type index and every tag index before removing the
// record, so an interrupted delete leaves at worst an unindexed record.
// Returns false when the entry does not exist.
func (x *Index) DeleteEntry(ctx context.Context, id string) (bool, error) {
	e, err := x.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	if err := x.store.SRem(ctx, typeKey(e.Type), id); err != nil {
		return false, errmodel.StoreUnavailable("lore type index", err)
	}
	for _, tag := range e.Tags {
		if err := x.store.SRem(ctx, tagKey(tag), id); err != nil {
			return false, errmodel.StoreUnavailable("lore tag index", err)
		}
	}
	if err := x.store.Delete(ctx, entryKey(id)); err != nil {
		return false, errmodel.StoreUnavailable("lore delete", err)
	}
	log.WithField("id", id).Info("deleted lore entry")
	return true, nil
}

// ContextualLore builds the world-knowledge block for a narration prompt from
// the command plus the last three history lines. Returns "" when the corpus
// is empty or on any internal failure; narration degrades without lore.
func (x *Index) ContextualLore(ctx context.Context, command string, history []string, limit int) string {
	if limit <= 0 {
		limit = 3
	}
	recent := history
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	query := strings.TrimSpace(command + " " + strings.Join(recent, " "))

	matches, err := x.SearchBySimilarity(ctx, query, limit, "")
	if err != nil {
		log.WithError(err).Warn("contextual lore lookup failed")
		return ""
	}
	if len(matches) == 0 {
		return ""
	}
	blocks := make([]string, len(matches))
	for i, e := range matches {
		blocks[i] = fmt.Sprintf("%s: %s\n%s", strings.ToUpper(string(e.Type)), e.Title, e.Content)
	}
	return "\n\nRELEVANT WORLD KNOWLEDGE:\n" + strings.Join(blocks, "\n\n") + "\n\n"
}

func (x *Index) putEntry(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errmodel.System(errmodel.CodeInternal, "encode lore entry", nil, err)
	}
	if err := x.store.Set(ctx, entryKey(e.ID), string(raw)); err != nil {
		return errmodel.StoreUnavailable("lore write", err)
	}
	return nil
}

// CosineSimilarity is dot(a,b) / (|a|*|b|). Defined as 0 for mismatched
// lengths or when either vector is all-zero.
func CosineSimilarity(a, b embedding.Vector) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randSuffix() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}
