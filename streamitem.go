package streamcorpus

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Version identifies the generation of the stream item schema.
type Version string

const (
	// VersionUnknown is what a record without a version tag decodes as. Such
	// records are from the v0_1 generation.
	VersionUnknown Version = ""
	Version02      Version = "v0_2_0"
	Version03      Version = "v0_3_0"
)

// NoID marks an absent integer handle (entity type, mention id, equivalence
// id, parent index, ...) on a Token or Attribute.
const NoID = -1

// EntityType is the coarse type assigned to a token by a tagger. Values 3 and
// 4 are the v0_2 pronoun encodings, which the v0_3 schema replaced with
// MentionType PRO plus a PER entity type.
type EntityType int32

const (
	EntityPER           EntityType = 0
	EntityORG           EntityType = 1
	EntityLOC           EntityType = 2
	EntityFemalePronoun EntityType = 3
	EntityMalePronoun   EntityType = 4
	EntityTIME          EntityType = 5
	EntityDATE          EntityType = 6
	EntityMONEY         EntityType = 7
	EntityPERCENT       EntityType = 8
	EntityMISC          EntityType = 9
	EntityGPE           EntityType = 10
	EntityFAC           EntityType = 11
	EntityVEH           EntityType = 12
	EntityWEA           EntityType = 13
	EntityPhone         EntityType = 14
	EntityEmail         EntityType = 15
	EntityURL           EntityType = 16
	EntityCustom        EntityType = 17
	EntityNone          EntityType = NoID
)

// MentionType says how an entity is referred to.
type MentionType int32

const (
	MentionNAME MentionType = 0
	MentionPRO  MentionType = 1
	MentionNOM  MentionType = 2
	MentionNone MentionType = NoID
)

// AttributeType is the kind of fact an Attribute asserts about a mention.
type AttributeType int32

const (
	AttributePerGender     AttributeType = 0
	AttributePerAge        AttributeType = 1
	AttributePerHairColor  AttributeType = 2
	AttributePerHeight     AttributeType = 3
	AttributePerWeight     AttributeType = 4
	AttributeRelationship  AttributeType = 5
	AttributeOrgMembership AttributeType = 6
)

// OffsetType is the unit an Offset is measured in.
type OffsetType int32

const (
	OffsetLines  OffsetType = 0
	OffsetBytes  OffsetType = 1
	OffsetChars  OffsetType = 2
	OffsetXPath  OffsetType = 3
	OffsetXPathC OffsetType = 4
)

// StreamTime is the moment a document was observed, kept both as epoch
// seconds and as a zulu timestamp string.
type StreamTime struct {
	EpochTicks    float64
	ZuluTimestamp string
}

// Time converts the epoch ticks back into a time.Time.
func (st StreamTime) Time() time.Time {
	sec := int64(st.EpochTicks)
	nsec := int64((st.EpochTicks - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// StreamItem is one document plus everything the pipeline learns about it.
type StreamItem struct {
	Version        Version
	DocID          string
	StreamID       string
	StreamTime     StreamTime
	AbsURL         []byte
	OriginalURL    []byte
	Source         string
	SCHost         string
	Body           *ContentItem
	OtherContent   map[string]*ContentItem
	Ratings        []Rating
	SourceMetadata map[string][]byte

	// ExternalIDs maps a schema generation tag to a mapping of new to old
	// identifiers for records whose identity changed on upgrade.
	ExternalIDs map[string]map[string]string
}

// ContentItem is one rendering of a document (the body, a title, anchor
// text, ...) along with the annotations made on it.
type ContentItem struct {
	Raw           []byte
	Encoding      string
	MediaType     string
	CleanHTML     []byte
	CleanVisible  []byte
	Logs          []string
	Taggings      map[string]Tagging
	Labels        map[string][]Label
	Sentences     map[string][]Sentence
	SentenceBlobs map[string][]byte
	Language      Language
	Attributes    map[string][]Attribute
}

// Language of a content item. An empty Code means it was never detected.
type Language struct {
	Code string
	Name string
}

// Tagging describes a run of a tagger over a content item.
type Tagging struct {
	TaggerID       string
	RawTagging     []byte
	TaggerConfig   string
	TaggerVersion  string
	GenerationTime StreamTime
}

// Label connects a span of content to a target entity as judged by an
// annotator.
type Label struct {
	AnnotatorID string
	TargetID    string
	Offsets     []Offset
	Positive    bool
}

// Offset locates a span in one of the content forms.
type Offset struct {
	Type        OffsetType
	First       int64
	Length      int32
	XPath       string
	ContentForm string
	Value       []byte
}

// Sentence is an ordered run of tokens.
type Sentence struct {
	Tokens []Token
	Labels map[string][]Label
}

// Token is one word-like unit of a sentence. MentionID is sentence-local in
// v0_2 and document-global in v0_3.
type Token struct {
	TokenNum       int32
	Token          []byte
	Offsets        []Offset
	SentencePos    int32
	Lemma          string
	POS            string
	EntityType     EntityType
	MentionType    MentionType
	MentionID      int32
	EquivID        int32
	ParentID       int32
	DependencyPath string
	Labels         map[string][]Label
}

// NewToken returns a Token with every integer handle marked absent.
func NewToken(num int32, text string) Token {
	return Token{
		TokenNum:    num,
		Token:       []byte(text),
		EntityType:  EntityNone,
		MentionType: MentionNone,
		MentionID:   NoID,
		EquivID:     NoID,
		ParentID:    NoID,
	}
}

// Rating is an annotator's judgment of whether a document mentions a target.
type Rating struct {
	AnnotatorID     string
	TargetID        string
	ContainsMention bool
	Mentions        []string
	Relevance       int32
}

// Attribute is a fact about a mention found in the text.
type Attribute struct {
	AttributeType AttributeType
	Evidence      string
	Value         string
	SentenceID    int32
	MentionID     int32
}

// MakeStreamTime builds a StreamTime from t.
func MakeStreamTime(t time.Time) StreamTime {
	t = t.UTC()
	return StreamTime{
		EpochTicks:    float64(t.UnixNano()) / 1e9,
		ZuluTimestamp: t.Format("2006-01-02T15:04:05.000000Z"),
	}
}

// DocIDFromURL is the md5 hex digest of an absolute URL.
func DocIDFromURL(absURL []byte) string {
	sum := md5.Sum(absURL)
	return hex.EncodeToString(sum[:])
}

// MakeStreamID joins the integer epoch ticks and the doc id.
func MakeStreamID(st StreamTime, docID string) string {
	return fmt.Sprintf("%d-%s", int64(st.EpochTicks), docID)
}

// MakeStreamItem returns a current-generation StreamItem observed at t with
// its identifiers derived from absURL.
func MakeStreamItem(t time.Time, absURL string) *StreamItem {
	st := MakeStreamTime(t)
	docID := DocIDFromURL([]byte(absURL))
	return &StreamItem{
		Version:        Version03,
		DocID:          docID,
		StreamID:       MakeStreamID(st, docID),
		StreamTime:     st,
		AbsURL:         []byte(absURL),
		Body:           &ContentItem{},
		OtherContent:   make(map[string]*ContentItem),
		SourceMetadata: make(map[string][]byte),
		ExternalIDs:    make(map[string]map[string]string),
	}
}

// ContentForm returns the named form of a content item: raw, clean_html or
// clean_visible.
func (ci *ContentItem) ContentForm(form string) ([]byte, bool) {
	if ci == nil {
		return nil, false
	}
	switch form {
	case "raw":
		return ci.Raw, true
	case "clean_html":
		return ci.CleanHTML, true
	case "clean_visible":
		return ci.CleanVisible, true
	}
	return nil, false
}
