// Package upgrade converts v0_2 stream items to the v0_3 schema.
package upgrade

import (
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

// ExternalIDsKey is the external_ids generation under which a changed
// stream id is mapped back to the one it replaced.
const ExternalIDsKey = "kba-2013"

func init() {
	streamcorpus.DefaultRegistry.RegisterIncremental("upgrade_streamcorpus_v0_3_0", func(cfg streamcorpus.StageConfig) (streamcorpus.IncrementalTransform, error) {
		u := &Upgrade{TaggerID: "lingpipe"}
		if err := cfg.Decode(u); err != nil {
			return nil, err
		}
		return u, nil
	})
}

// Upgrade is the upgrade_streamcorpus_v0_3_0 stage.
type Upgrade struct {
	// TaggerID selects the sentences whose mention ids are renumbered.
	TaggerID string `mapstructure:"tagger_id"`
}

// Transform implements streamcorpus.IncrementalTransform.
func (u *Upgrade) Transform(si *streamcorpus.StreamItem, ctx *streamcorpus.Context) (*streamcorpus.StreamItem, error) {
	switch si.Version {
	case streamcorpus.Version03:
		return si, nil
	case streamcorpus.Version02:
		return u.Upgrade(si), nil
	case streamcorpus.VersionUnknown:
		return nil, errors.Wrapf(streamcorpus.ErrUnsupportedVersion, "%s has no version tag", si.StreamID)
	}
	return nil, errors.Wrapf(streamcorpus.ErrUnsupportedVersion, "%s has version '%s'", si.StreamID, si.Version)
}

// Upgrade returns a v0_3 copy of the v0_2 item si. si is not modified.
func (u *Upgrade) Upgrade(si *streamcorpus.StreamItem) *streamcorpus.StreamItem {
	out := streamcorpus.MakeStreamItem(si.StreamTime.Time(), string(si.AbsURL))
	out.StreamTime = si.StreamTime
	out.StreamID = streamcorpus.MakeStreamID(out.StreamTime, out.DocID)
	out.OriginalURL = copyBytes(si.OriginalURL)
	out.Source = si.Source
	out.SCHost = si.SCHost
	for k, v := range si.SourceMetadata {
		out.SourceMetadata[k] = copyBytes(v)
	}
	for gen, ids := range si.ExternalIDs {
		m := make(map[string]string, len(ids))
		for k, v := range ids {
			m[k] = v
		}
		out.ExternalIDs[gen] = m
	}
	for _, r := range si.Ratings {
		r.Mentions = append([]string(nil), r.Mentions...)
		out.Ratings = append(out.Ratings, r)
	}

	out.Body = u.upgradeContent(si.Body)
	for name, ci := range si.OtherContent {
		out.OtherContent[name] = u.upgradeContent(ci)
	}

	if out.StreamID != si.StreamID {
		m := out.ExternalIDs[ExternalIDsKey]
		if m == nil {
			m = make(map[string]string)
			out.ExternalIDs[ExternalIDsKey] = m
		}
		m[out.StreamID] = si.StreamID
	}
	return out
}

// upgradeContent copies ci, renumbering the mentions of the tagger's
// sentences into one id space for the whole content item.
func (u *Upgrade) upgradeContent(ci *streamcorpus.ContentItem) *streamcorpus.ContentItem {
	if ci == nil {
		return nil
	}
	out := copyContent(ci)
	sentences, ok := out.Sentences[u.TaggerID]
	if !ok {
		return out
	}
	ids := streamcorpus.NewIDMap()
	for sid := range sentences {
		toks := sentences[sid].Tokens
		for i := range toks {
			tok := &toks[i]
			local := tok.MentionID
			if local != streamcorpus.NoID {
				tok.MentionID = int32(ids.GetID(streamcorpus.MentionKey{Sentence: sid, Local: local}))
			}
			switch tok.EntityType {
			case streamcorpus.EntityFemalePronoun, streamcorpus.EntityMalePronoun:
				value := "1"
				if tok.EntityType == streamcorpus.EntityMalePronoun {
					value = "0"
				}
				tok.MentionType = streamcorpus.MentionPRO
				tok.EntityType = streamcorpus.EntityPER
				if out.Attributes == nil {
					out.Attributes = make(map[string][]streamcorpus.Attribute)
				}
				out.Attributes[u.TaggerID] = append(out.Attributes[u.TaggerID], streamcorpus.Attribute{
					AttributeType: streamcorpus.AttributePerAge,
					Evidence:      string(tok.Token),
					Value:         value,
					SentenceID:    int32(sid),
					MentionID:     local,
				})
			default:
				tok.MentionType = streamcorpus.MentionNAME
			}
		}
	}
	return out
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func copyOffsets(o []streamcorpus.Offset) []streamcorpus.Offset {
	if o == nil {
		return nil
	}
	out := make([]streamcorpus.Offset, len(o))
	for i, off := range o {
		off.Value = copyBytes(off.Value)
		out[i] = off
	}
	return out
}

func copyLabels(m map[string][]streamcorpus.Label) map[string][]streamcorpus.Label {
	if m == nil {
		return nil
	}
	out := make(map[string][]streamcorpus.Label, len(m))
	for k, ls := range m {
		cp := make([]streamcorpus.Label, len(ls))
		for i, l := range ls {
			l.Offsets = copyOffsets(l.Offsets)
			cp[i] = l
		}
		out[k] = cp
	}
	return out
}

func copyContent(ci *streamcorpus.ContentItem) *streamcorpus.ContentItem {
	out := &streamcorpus.ContentItem{
		Raw:          copyBytes(ci.Raw),
		Encoding:     ci.Encoding,
		MediaType:    ci.MediaType,
		CleanHTML:    copyBytes(ci.CleanHTML),
		CleanVisible: copyBytes(ci.CleanVisible),
		Language:     ci.Language,
		Labels:       copyLabels(ci.Labels),
	}
	if ci.Logs != nil {
		out.Logs = append([]string(nil), ci.Logs...)
	}
	if ci.Taggings != nil {
		out.Taggings = make(map[string]streamcorpus.Tagging, len(ci.Taggings))
		for k, t := range ci.Taggings {
			t.RawTagging = copyBytes(t.RawTagging)
			out.Taggings[k] = t
		}
	}
	if ci.SentenceBlobs != nil {
		out.SentenceBlobs = make(map[string][]byte, len(ci.SentenceBlobs))
		for k, b := range ci.SentenceBlobs {
			out.SentenceBlobs[k] = copyBytes(b)
		}
	}
	if ci.Attributes != nil {
		out.Attributes = make(map[string][]streamcorpus.Attribute, len(ci.Attributes))
		for k, as := range ci.Attributes {
			out.Attributes[k] = append([]streamcorpus.Attribute(nil), as...)
		}
	}
	if ci.Sentences != nil {
		out.Sentences = make(map[string][]streamcorpus.Sentence, len(ci.Sentences))
		for k, ss := range ci.Sentences {
			cp := make([]streamcorpus.Sentence, len(ss))
			for i, s := range ss {
				toks := make([]streamcorpus.Token, len(s.Tokens))
				for j, tok := range s.Tokens {
					tok.Token = copyBytes(tok.Token)
					tok.Offsets = copyOffsets(tok.Offsets)
					tok.Labels = copyLabels(tok.Labels)
					toks[j] = tok
				}
				cp[i] = streamcorpus.Sentence{Tokens: toks, Labels: copyLabels(s.Labels)}
			}
			out.Sentences[k] = cp
		}
	}
	return out
}
