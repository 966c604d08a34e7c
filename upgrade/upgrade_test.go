package upgrade

import (
	"testing"

	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tok(num int32, text string, mention int32, et streamcorpus.EntityType) streamcorpus.Token {
	t := streamcorpus.NewToken(num, text)
	t.MentionID = mention
	t.EntityType = et
	return t
}

func v02(sentences ...[]streamcorpus.Token) *streamcorpus.StreamItem {
	si := streamcorpus.MakeStreamItem(test.Epoch, "http://example.com/old")
	si.Version = streamcorpus.Version02
	si.StreamID = "1335866400-olddocid"
	si.Source = "news"
	si.SourceMetadata["kba"] = []byte("meta")
	ss := make([]streamcorpus.Sentence, len(sentences))
	for i, toks := range sentences {
		ss[i].Tokens = toks
	}
	si.Body.CleanVisible = []byte("John met her. He left.")
	si.Body.Sentences = map[string][]streamcorpus.Sentence{"lingpipe": ss}
	return si
}

func build(t *testing.T) streamcorpus.IncrementalTransform {
	u, err := streamcorpus.DefaultRegistry.BuildIncremental("upgrade_streamcorpus_v0_3_0", nil)
	require.NoError(t, err)
	return u
}

func mentionIDs(ci *streamcorpus.ContentItem) []int32 {
	var ids []int32
	for _, s := range ci.Sentences["lingpipe"] {
		for _, tok := range s.Tokens {
			ids = append(ids, tok.MentionID)
		}
	}
	return ids
}

func TestRenumbersAcrossSentences(t *testing.T) {
	si := v02(
		[]streamcorpus.Token{tok(0, "John", 0, streamcorpus.EntityPER), tok(1, "Acme", 1, streamcorpus.EntityORG)},
		[]streamcorpus.Token{tok(0, "Smith", 0, streamcorpus.EntityPER)},
	)
	out, err := build(t).Transform(si, streamcorpus.NewContext("x"))
	require.NoError(t, err)
	assert.Equal(t, streamcorpus.Version03, out.Version)
	assert.Equal(t, []int32{0, 1, 2}, mentionIDs(out.Body))
	assert.Equal(t, []int32{0, 1, 0}, mentionIDs(si.Body), "input is untouched")
	for _, s := range out.Body.Sentences["lingpipe"] {
		for _, tk := range s.Tokens {
			assert.Equal(t, streamcorpus.MentionNAME, tk.MentionType)
		}
	}
}

func TestMentionMappingIsAFunction(t *testing.T) {
	si := v02(
		[]streamcorpus.Token{
			tok(0, "John", 3, streamcorpus.EntityPER),
			tok(1, "Smith", 3, streamcorpus.EntityPER),
			tok(2, "said", streamcorpus.NoID, streamcorpus.EntityNone),
			tok(3, "Acme", 7, streamcorpus.EntityORG),
		},
		[]streamcorpus.Token{
			tok(0, "Acme", 7, streamcorpus.EntityORG),
			tok(1, "Corp", 7, streamcorpus.EntityORG),
			tok(2, "John", 3, streamcorpus.EntityPER),
		},
	)
	out := (&Upgrade{TaggerID: "lingpipe"}).Upgrade(si)
	assert.Equal(t, []int32{0, 0, streamcorpus.NoID, 1, 2, 2, 3}, mentionIDs(out.Body))
	for _, s := range out.Body.Sentences["lingpipe"] {
		for _, tk := range s.Tokens {
			assert.Equal(t, streamcorpus.MentionNAME, tk.MentionType, "every non-pronoun token is a name")
		}
	}
}

func TestPronounConversion(t *testing.T) {
	si := v02([]streamcorpus.Token{
		tok(0, "She", 0, streamcorpus.EntityFemalePronoun),
		tok(1, "him", 1, streamcorpus.EntityMalePronoun),
	})
	out := (&Upgrade{TaggerID: "lingpipe"}).Upgrade(si)
	toks := out.Body.Sentences["lingpipe"][0].Tokens
	for _, tk := range toks {
		assert.Equal(t, streamcorpus.MentionPRO, tk.MentionType)
		assert.Equal(t, streamcorpus.EntityPER, tk.EntityType)
	}
	assert.Equal(t, []streamcorpus.Attribute{
		{AttributeType: streamcorpus.AttributePerAge, Evidence: "She", Value: "1", SentenceID: 0, MentionID: 0},
		{AttributeType: streamcorpus.AttributePerAge, Evidence: "him", Value: "0", SentenceID: 0, MentionID: 1},
	}, out.Body.Attributes["lingpipe"])
}

func TestPronounWithoutMention(t *testing.T) {
	si := v02([]streamcorpus.Token{
		tok(0, "said", streamcorpus.NoID, streamcorpus.EntityNone),
		tok(1, "she", streamcorpus.NoID, streamcorpus.EntityFemalePronoun),
	})
	out := (&Upgrade{TaggerID: "lingpipe"}).Upgrade(si)
	toks := out.Body.Sentences["lingpipe"][0].Tokens
	assert.Equal(t, streamcorpus.MentionNAME, toks[0].MentionType)
	assert.Equal(t, int32(streamcorpus.NoID), toks[0].MentionID)
	assert.Equal(t, streamcorpus.MentionPRO, toks[1].MentionType)
	assert.Equal(t, []streamcorpus.Attribute{
		{AttributeType: streamcorpus.AttributePerAge, Evidence: "she", Value: "1", SentenceID: 0, MentionID: streamcorpus.NoID},
	}, out.Body.Attributes["lingpipe"])
}

func TestExternalIDsAndProvenance(t *testing.T) {
	si := v02()
	si.OtherContent["title"] = &streamcorpus.ContentItem{CleanVisible: []byte("Title")}
	out := (&Upgrade{TaggerID: "lingpipe"}).Upgrade(si)
	assert.Equal(t, si.StreamTime, out.StreamTime)
	assert.Equal(t, si.AbsURL, out.AbsURL)
	assert.Equal(t, "news", out.Source)
	assert.Equal(t, []byte("meta"), out.SourceMetadata["kba"])
	assert.Equal(t, []byte("Title"), out.OtherContent["title"].CleanVisible)
	assert.Equal(t, map[string]string{out.StreamID: "1335866400-olddocid"}, out.ExternalIDs[ExternalIDsKey])

	si.StreamID = out.StreamID
	again := (&Upgrade{TaggerID: "lingpipe"}).Upgrade(si)
	assert.NotContains(t, again.ExternalIDs, ExternalIDsKey, "unchanged stream ids aren't recorded")
}

func TestVersions(t *testing.T) {
	u := build(t)
	cur := test.Items(1)[0]
	out, err := u.Transform(cur, nil)
	require.NoError(t, err)
	assert.True(t, out == cur, "v0_3 passes through")

	old := test.Items(1)[0]
	old.Version = streamcorpus.VersionUnknown
	_, err = u.Transform(old, nil)
	assert.True(t, streamcorpus.Is(err, streamcorpus.ErrUnsupportedVersion))
}
