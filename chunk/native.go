package chunk

import (
	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
)

const contentItemType = "streamcorpus.ContentItem"

// The functions below convert between StreamItems and the generic values
// goavro encodes. Empty collections and byte strings nested inside an item
// decode as nil; the three top-level maps of a StreamItem always decode as
// non-nil, matching MakeStreamItem.

func nativeFromItem(si *streamcorpus.StreamItem) map[string]interface{} {
	var body interface{}
	if si.Body != nil {
		body = map[string]interface{}{contentItemType: nativeFromContent(si.Body)}
	}
	other := make(map[string]interface{}, len(si.OtherContent))
	for k, ci := range si.OtherContent {
		if ci == nil {
			continue
		}
		other[k] = nativeFromContent(ci)
	}
	ratings := make([]interface{}, len(si.Ratings))
	for i, r := range si.Ratings {
		ratings[i] = map[string]interface{}{
			"annotator_id":     r.AnnotatorID,
			"target_id":        r.TargetID,
			"contains_mention": r.ContainsMention,
			"mentions":         nativeStrings(r.Mentions),
			"relevance":        r.Relevance,
		}
	}
	ext := make(map[string]interface{}, len(si.ExternalIDs))
	for gen, m := range si.ExternalIDs {
		sub := make(map[string]interface{}, len(m))
		for k, v := range m {
			sub[k] = v
		}
		ext[gen] = sub
	}
	return map[string]interface{}{
		"version":         string(si.Version),
		"doc_id":          si.DocID,
		"stream_id":       si.StreamID,
		"stream_time":     nativeFromTime(si.StreamTime),
		"abs_url":         nonNil(si.AbsURL),
		"original_url":    nonNil(si.OriginalURL),
		"source":          si.Source,
		"schost":          si.SCHost,
		"body":            body,
		"other_content":   other,
		"ratings":         ratings,
		"source_metadata": nativeBytesMap(si.SourceMetadata),
		"external_ids":    ext,
	}
}

func nativeFromTime(st streamcorpus.StreamTime) map[string]interface{} {
	return map[string]interface{}{
		"epoch_ticks":    st.EpochTicks,
		"zulu_timestamp": st.ZuluTimestamp,
	}
}

func nativeFromContent(ci *streamcorpus.ContentItem) map[string]interface{} {
	taggings := make(map[string]interface{}, len(ci.Taggings))
	for k, t := range ci.Taggings {
		taggings[k] = map[string]interface{}{
			"tagger_id":       t.TaggerID,
			"raw_tagging":     nonNil(t.RawTagging),
			"tagger_config":   t.TaggerConfig,
			"tagger_version":  t.TaggerVersion,
			"generation_time": nativeFromTime(t.GenerationTime),
		}
	}
	sentences := make(map[string]interface{}, len(ci.Sentences))
	for k, ss := range ci.Sentences {
		arr := make([]interface{}, len(ss))
		for i, s := range ss {
			toks := make([]interface{}, len(s.Tokens))
			for j, tok := range s.Tokens {
				toks[j] = nativeFromToken(tok)
			}
			arr[i] = map[string]interface{}{
				"tokens": toks,
				"labels": nativeLabelMap(s.Labels),
			}
		}
		sentences[k] = arr
	}
	attrs := make(map[string]interface{}, len(ci.Attributes))
	for k, as := range ci.Attributes {
		arr := make([]interface{}, len(as))
		for i, a := range as {
			arr[i] = map[string]interface{}{
				"attribute_type": int32(a.AttributeType),
				"evidence":       a.Evidence,
				"value":          a.Value,
				"sentence_id":    a.SentenceID,
				"mention_id":     a.MentionID,
			}
		}
		attrs[k] = arr
	}
	return map[string]interface{}{
		"raw":            nonNil(ci.Raw),
		"encoding":       ci.Encoding,
		"media_type":     ci.MediaType,
		"clean_html":     nonNil(ci.CleanHTML),
		"clean_visible":  nonNil(ci.CleanVisible),
		"logs":           nativeStrings(ci.Logs),
		"taggings":       taggings,
		"labels":         nativeLabelMap(ci.Labels),
		"sentences":      sentences,
		"sentence_blobs": nativeBytesMap(ci.SentenceBlobs),
		"language": map[string]interface{}{
			"code": ci.Language.Code,
			"name": ci.Language.Name,
		},
		"attributes": attrs,
	}
}

func nativeFromToken(tok streamcorpus.Token) map[string]interface{} {
	return map[string]interface{}{
		"token_num":       tok.TokenNum,
		"token":           nonNil(tok.Token),
		"offsets":         nativeOffsets(tok.Offsets),
		"sentence_pos":    tok.SentencePos,
		"lemma":           tok.Lemma,
		"pos":             tok.POS,
		"entity_type":     int32(tok.EntityType),
		"mention_type":    int32(tok.MentionType),
		"mention_id":      tok.MentionID,
		"equiv_id":        tok.EquivID,
		"parent_id":       tok.ParentID,
		"dependency_path": tok.DependencyPath,
		"labels":          nativeLabelMap(tok.Labels),
	}
}

func nativeOffsets(os []streamcorpus.Offset) []interface{} {
	out := make([]interface{}, len(os))
	for i, o := range os {
		out[i] = map[string]interface{}{
			"type":         int32(o.Type),
			"first":        o.First,
			"length":       o.Length,
			"xpath":        o.XPath,
			"content_form": o.ContentForm,
			"value":        nonNil(o.Value),
		}
	}
	return out
}

func nativeLabelMap(m map[string][]streamcorpus.Label) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, ls := range m {
		arr := make([]interface{}, len(ls))
		for i, l := range ls {
			arr[i] = map[string]interface{}{
				"annotator_id": l.AnnotatorID,
				"target_id":    l.TargetID,
				"offsets":      nativeOffsets(l.Offsets),
				"positive":     l.Positive,
			}
		}
		out[k] = arr
	}
	return out
}

func nativeStrings(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func nativeBytesMap(m map[string][]byte) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = nonNil(v)
	}
	return out
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// decoder accumulates the first type error found while walking a decoded
// value, so the conversion code can stay linear.
type decoder struct {
	err error
}

func (d *decoder) fail(field string, v interface{}) {
	if d.err == nil {
		d.err = errors.Errorf("field %s has unexpected type %T", field, v)
	}
}

func (d *decoder) record(v interface{}, field string) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		d.fail(field, v)
	}
	return m
}

func (d *decoder) array(v interface{}, field string) []interface{} {
	a, ok := v.([]interface{})
	if !ok {
		d.fail(field, v)
	}
	return a
}

func (d *decoder) str(m map[string]interface{}, field string) string {
	s, ok := m[field].(string)
	if !ok {
		d.fail(field, m[field])
	}
	return s
}

func (d *decoder) bytes(m map[string]interface{}, field string) []byte {
	b, ok := m[field].([]byte)
	if !ok {
		d.fail(field, m[field])
	}
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) int32(m map[string]interface{}, field string) int32 {
	i, ok := m[field].(int32)
	if !ok {
		d.fail(field, m[field])
	}
	return i
}

func (d *decoder) int64(m map[string]interface{}, field string) int64 {
	i, ok := m[field].(int64)
	if !ok {
		d.fail(field, m[field])
	}
	return i
}

func (d *decoder) bool(m map[string]interface{}, field string) bool {
	b, ok := m[field].(bool)
	if !ok {
		d.fail(field, m[field])
	}
	return b
}

func (d *decoder) float64(m map[string]interface{}, field string) float64 {
	f, ok := m[field].(float64)
	if !ok {
		d.fail(field, m[field])
	}
	return f
}

func (d *decoder) strings(v interface{}, field string) []string {
	a := d.array(v, field)
	if len(a) == 0 {
		return nil
	}
	out := make([]string, len(a))
	for i, s := range a {
		var ok bool
		if out[i], ok = s.(string); !ok {
			d.fail(field, s)
		}
	}
	return out
}

func (d *decoder) bytesMap(v interface{}, field string, keepEmpty bool) map[string][]byte {
	m := d.record(v, field)
	if len(m) == 0 && !keepEmpty {
		return nil
	}
	out := make(map[string][]byte, len(m))
	for k := range m {
		out[k] = d.bytes(m, k)
	}
	return out
}

func itemFromNative(v interface{}) (*streamcorpus.StreamItem, error) {
	d := &decoder{}
	m := d.record(v, "StreamItem")
	if d.err != nil {
		return nil, d.err
	}
	si := &streamcorpus.StreamItem{
		Version:        streamcorpus.Version(d.str(m, "version")),
		DocID:          d.str(m, "doc_id"),
		StreamID:       d.str(m, "stream_id"),
		StreamTime:     d.time(m["stream_time"], "stream_time"),
		AbsURL:         d.bytes(m, "abs_url"),
		OriginalURL:    d.bytes(m, "original_url"),
		Source:         d.str(m, "source"),
		SCHost:         d.str(m, "schost"),
		OtherContent:   make(map[string]*streamcorpus.ContentItem),
		SourceMetadata: d.bytesMap(m["source_metadata"], "source_metadata", true),
		ExternalIDs:    make(map[string]map[string]string),
	}
	if body, ok := m["body"].(map[string]interface{}); ok {
		si.Body = d.content(body[contentItemType], "body")
	} else if m["body"] != nil {
		d.fail("body", m["body"])
	}
	for k, ci := range d.record(m["other_content"], "other_content") {
		si.OtherContent[k] = d.content(ci, "other_content")
	}
	for _, r := range d.array(m["ratings"], "ratings") {
		rm := d.record(r, "ratings")
		si.Ratings = append(si.Ratings, streamcorpus.Rating{
			AnnotatorID:     d.str(rm, "annotator_id"),
			TargetID:        d.str(rm, "target_id"),
			ContainsMention: d.bool(rm, "contains_mention"),
			Mentions:        d.strings(rm["mentions"], "mentions"),
			Relevance:       d.int32(rm, "relevance"),
		})
	}
	for gen, sub := range d.record(m["external_ids"], "external_ids") {
		sm := d.record(sub, "external_ids")
		ids := make(map[string]string, len(sm))
		for k := range sm {
			ids[k] = d.str(sm, k)
		}
		si.ExternalIDs[gen] = ids
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "decoding stream item")
	}
	return si, nil
}

func (d *decoder) time(v interface{}, field string) streamcorpus.StreamTime {
	m := d.record(v, field)
	return streamcorpus.StreamTime{
		EpochTicks:    d.float64(m, "epoch_ticks"),
		ZuluTimestamp: d.str(m, "zulu_timestamp"),
	}
}

func (d *decoder) content(v interface{}, field string) *streamcorpus.ContentItem {
	m := d.record(v, field)
	if m == nil {
		return nil
	}
	lang := d.record(m["language"], "language")
	ci := &streamcorpus.ContentItem{
		Raw:           d.bytes(m, "raw"),
		Encoding:      d.str(m, "encoding"),
		MediaType:     d.str(m, "media_type"),
		CleanHTML:     d.bytes(m, "clean_html"),
		CleanVisible:  d.bytes(m, "clean_visible"),
		Logs:          d.strings(m["logs"], "logs"),
		Labels:        d.labelMap(m["labels"], "labels"),
		SentenceBlobs: d.bytesMap(m["sentence_blobs"], "sentence_blobs", false),
		Language: streamcorpus.Language{
			Code: d.str(lang, "code"),
			Name: d.str(lang, "name"),
		},
	}
	if tm := d.record(m["taggings"], "taggings"); len(tm) > 0 {
		ci.Taggings = make(map[string]streamcorpus.Tagging, len(tm))
		for k, t := range tm {
			t := d.record(t, "taggings")
			ci.Taggings[k] = streamcorpus.Tagging{
				TaggerID:       d.str(t, "tagger_id"),
				RawTagging:     d.bytes(t, "raw_tagging"),
				TaggerConfig:   d.str(t, "tagger_config"),
				TaggerVersion:  d.str(t, "tagger_version"),
				GenerationTime: d.time(t["generation_time"], "generation_time"),
			}
		}
	}
	if sm := d.record(m["sentences"], "sentences"); len(sm) > 0 {
		ci.Sentences = make(map[string][]streamcorpus.Sentence, len(sm))
		for k, arr := range sm {
			var sents []streamcorpus.Sentence
			for _, s := range d.array(arr, "sentences") {
				s := d.record(s, "sentences")
				sent := streamcorpus.Sentence{Labels: d.labelMap(s["labels"], "labels")}
				for _, tok := range d.array(s["tokens"], "tokens") {
					sent.Tokens = append(sent.Tokens, d.token(tok))
				}
				sents = append(sents, sent)
			}
			ci.Sentences[k] = sents
		}
	}
	if am := d.record(m["attributes"], "attributes"); len(am) > 0 {
		ci.Attributes = make(map[string][]streamcorpus.Attribute, len(am))
		for k, arr := range am {
			var attrs []streamcorpus.Attribute
			for _, a := range d.array(arr, "attributes") {
				a := d.record(a, "attributes")
				attrs = append(attrs, streamcorpus.Attribute{
					AttributeType: streamcorpus.AttributeType(d.int32(a, "attribute_type")),
					Evidence:      d.str(a, "evidence"),
					Value:         d.str(a, "value"),
					SentenceID:    d.int32(a, "sentence_id"),
					MentionID:     d.int32(a, "mention_id"),
				})
			}
			ci.Attributes[k] = attrs
		}
	}
	return ci
}

func (d *decoder) token(v interface{}) streamcorpus.Token {
	m := d.record(v, "tokens")
	return streamcorpus.Token{
		TokenNum:       d.int32(m, "token_num"),
		Token:          d.bytes(m, "token"),
		Offsets:        d.offsets(m["offsets"]),
		SentencePos:    d.int32(m, "sentence_pos"),
		Lemma:          d.str(m, "lemma"),
		POS:            d.str(m, "pos"),
		EntityType:     streamcorpus.EntityType(d.int32(m, "entity_type")),
		MentionType:    streamcorpus.MentionType(d.int32(m, "mention_type")),
		MentionID:      d.int32(m, "mention_id"),
		EquivID:        d.int32(m, "equiv_id"),
		ParentID:       d.int32(m, "parent_id"),
		DependencyPath: d.str(m, "dependency_path"),
		Labels:         d.labelMap(m["labels"], "labels"),
	}
}

func (d *decoder) offsets(v interface{}) []streamcorpus.Offset {
	var out []streamcorpus.Offset
	for _, o := range d.array(v, "offsets") {
		o := d.record(o, "offsets")
		out = append(out, streamcorpus.Offset{
			Type:        streamcorpus.OffsetType(d.int32(o, "type")),
			First:       d.int64(o, "first"),
			Length:      d.int32(o, "length"),
			XPath:       d.str(o, "xpath"),
			ContentForm: d.str(o, "content_form"),
			Value:       d.bytes(o, "value"),
		})
	}
	return out
}

func (d *decoder) labelMap(v interface{}, field string) map[string][]streamcorpus.Label {
	m := d.record(v, field)
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]streamcorpus.Label, len(m))
	for k, arr := range m {
		var labels []streamcorpus.Label
		for _, l := range d.array(arr, field) {
			l := d.record(l, field)
			labels = append(labels, streamcorpus.Label{
				AnnotatorID: d.str(l, "annotator_id"),
				TargetID:    d.str(l, "target_id"),
				Offsets:     d.offsets(l["offsets"]),
				Positive:    d.bool(l, "positive"),
			})
		}
		out[k] = labels
	}
	return out
}
