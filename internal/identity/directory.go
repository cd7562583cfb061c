// Package identity manages the directory of named speakers.
//
// Names arrive from humans and from transcripts, so the directory is built
// to catch near-duplicates before they are created: "Jon Smith" typed while
// "John Smith" already exists should surface the existing entry, not mint a
// second identity that the correction workflow then has to merge by hand.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/MrWong99/vocalid/pkg/diarize"
)

// ErrDuplicateName is returned by Create when a speaker with the same name
// (case-insensitive) already exists.
var ErrDuplicateName = errors.New("identity: speaker name already exists")

// ErrEmptyName is returned by Create for blank names.
var ErrEmptyName = errors.New("identity: speaker name must not be empty")

// defaultSimilarity is the Jaro-Winkler score above which two names are
// surfaced as probable duplicates. Phonetically identical names bypass it.
const defaultSimilarity = 0.88

// Candidate is a directory entry that resembles a queried name.
type Candidate struct {
	Speaker diarize.Speaker

	// Score is the best Jaro-Winkler similarity between the queried name and
	// the speaker's name or aliases, in [0, 1].
	Score float64

	// Phonetic reports whether a Double Metaphone code of the queried name
	// matches one of the speaker's. Phonetic hits are surfaced even when the
	// string score alone would not qualify.
	Phonetic bool
}

// Directory wraps a [diarize.SpeakerStore] with name hygiene: duplicate
// rejection on create and fuzzy lookup for the correction UI.
type Directory struct {
	store      diarize.SpeakerStore
	similarity float64
}

// Option is a functional option for configuring a [Directory].
type Option func(*Directory)

// WithSimilarity overrides the fuzzy-match score cutoff.
func WithSimilarity(score float64) Option {
	return func(d *Directory) {
		d.similarity = score
	}
}

// New returns a [Directory] over store.
func New(store diarize.SpeakerStore, opts ...Option) *Directory {
	d := &Directory{store: store, similarity: defaultSimilarity}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Create registers a new speaker. The name must be non-blank and not collide
// case-insensitively with an existing speaker's name or alias.
func (d *Directory) Create(ctx context.Context, name string, aliases ...string) (diarize.Speaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return diarize.Speaker{}, ErrEmptyName
	}

	existing, err := d.store.ListSpeakers(ctx)
	if err != nil {
		return diarize.Speaker{}, fmt.Errorf("identity: list speakers: %w", err)
	}
	lower := strings.ToLower(name)
	for _, sp := range existing {
		if strings.ToLower(sp.Name) == lower {
			return diarize.Speaker{}, fmt.Errorf("%w: %q", ErrDuplicateName, sp.Name)
		}
		for _, alias := range sp.Aliases {
			if strings.ToLower(alias) == lower {
				return diarize.Speaker{}, fmt.Errorf("%w: alias of %q", ErrDuplicateName, sp.Name)
			}
		}
	}

	sp := diarize.Speaker{
		ID:      uuid.NewString(),
		Name:    name,
		Aliases: append([]string(nil), aliases...),
	}
	if err := d.store.CreateSpeaker(ctx, sp); err != nil {
		return diarize.Speaker{}, fmt.Errorf("identity: create speaker: %w", err)
	}
	return sp, nil
}

// Get returns the speaker with the given ID.
func (d *Directory) Get(ctx context.Context, id string) (diarize.Speaker, error) {
	return d.store.GetSpeaker(ctx, id)
}

// List returns all speakers ordered by name.
func (d *Directory) List(ctx context.Context) ([]diarize.Speaker, error) {
	return d.store.ListSpeakers(ctx)
}

// FindSimilar returns existing speakers that resemble name, best match
// first. An empty result means the name looks genuinely new.
func (d *Directory) FindSimilar(ctx context.Context, name string) ([]Candidate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	speakers, err := d.store.ListSpeakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: list speakers: %w", err)
	}

	queryCodes := phoneticCodes(name)
	var out []Candidate
	for _, sp := range speakers {
		cand := Candidate{Speaker: sp}
		for _, known := range append([]string{sp.Name}, sp.Aliases...) {
			if s := matchr.JaroWinkler(strings.ToLower(name), strings.ToLower(known), false); s > cand.Score {
				cand.Score = s
			}
			if !cand.Phonetic && codesOverlap(queryCodes, phoneticCodes(known)) {
				cand.Phonetic = true
			}
		}
		if cand.Phonetic || cand.Score >= d.similarity {
			out = append(out, cand)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Speaker.Name < out[j].Speaker.Name
	})
	return out, nil
}

// phoneticCodes returns the union of Double Metaphone codes for every token
// of name. Empty codes are excluded.
func phoneticCodes(name string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, tok := range strings.Fields(name) {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	// All tokens of the query must have a phonetic counterpart, otherwise
	// "John Smith" would hit every other "John".
	for code := range a {
		if _, ok := b[code]; !ok {
			return false
		}
	}
	return true
}
