package chunk

// itemSchema is the avro schema of a serialized StreamItem. Both the v0_2 and
// v0_3 generations share it; they differ only in how mention ids are scoped,
// and the generation is recorded in each item's version field and in the
// container metadata.
const itemSchema = `{
  "type": "record",
  "name": "StreamItem",
  "namespace": "streamcorpus",
  "fields": [
    {"name": "version", "type": "string"},
    {"name": "doc_id", "type": "string"},
    {"name": "stream_id", "type": "string"},
    {"name": "stream_time", "type": {
      "type": "record", "name": "StreamTime", "fields": [
        {"name": "epoch_ticks", "type": "double"},
        {"name": "zulu_timestamp", "type": "string"}
      ]}},
    {"name": "abs_url", "type": "bytes"},
    {"name": "original_url", "type": "bytes"},
    {"name": "source", "type": "string"},
    {"name": "schost", "type": "string"},
    {"name": "body", "type": ["null", {
      "type": "record", "name": "ContentItem", "fields": [
        {"name": "raw", "type": "bytes"},
        {"name": "encoding", "type": "string"},
        {"name": "media_type", "type": "string"},
        {"name": "clean_html", "type": "bytes"},
        {"name": "clean_visible", "type": "bytes"},
        {"name": "logs", "type": {"type": "array", "items": "string"}},
        {"name": "taggings", "type": {"type": "map", "values": {
          "type": "record", "name": "Tagging", "fields": [
            {"name": "tagger_id", "type": "string"},
            {"name": "raw_tagging", "type": "bytes"},
            {"name": "tagger_config", "type": "string"},
            {"name": "tagger_version", "type": "string"},
            {"name": "generation_time", "type": "streamcorpus.StreamTime"}
          ]}}},
        {"name": "labels", "type": {"type": "map", "values": {"type": "array", "items": {
          "type": "record", "name": "Label", "fields": [
            {"name": "annotator_id", "type": "string"},
            {"name": "target_id", "type": "string"},
            {"name": "offsets", "type": {"type": "array", "items": {
              "type": "record", "name": "Offset", "fields": [
                {"name": "type", "type": "int"},
                {"name": "first", "type": "long"},
                {"name": "length", "type": "int"},
                {"name": "xpath", "type": "string"},
                {"name": "content_form", "type": "string"},
                {"name": "value", "type": "bytes"}
              ]}}},
            {"name": "positive", "type": "boolean"}
          ]}}}},
        {"name": "sentences", "type": {"type": "map", "values": {"type": "array", "items": {
          "type": "record", "name": "Sentence", "fields": [
            {"name": "tokens", "type": {"type": "array", "items": {
              "type": "record", "name": "Token", "fields": [
                {"name": "token_num", "type": "int"},
                {"name": "token", "type": "bytes"},
                {"name": "offsets", "type": {"type": "array", "items": "streamcorpus.Offset"}},
                {"name": "sentence_pos", "type": "int"},
                {"name": "lemma", "type": "string"},
                {"name": "pos", "type": "string"},
                {"name": "entity_type", "type": "int"},
                {"name": "mention_type", "type": "int"},
                {"name": "mention_id", "type": "int"},
                {"name": "equiv_id", "type": "int"},
                {"name": "parent_id", "type": "int"},
                {"name": "dependency_path", "type": "string"},
                {"name": "labels", "type": {"type": "map", "values": {"type": "array", "items": "streamcorpus.Label"}}}
              ]}}},
            {"name": "labels", "type": {"type": "map", "values": {"type": "array", "items": "streamcorpus.Label"}}}
          ]}}}},
        {"name": "sentence_blobs", "type": {"type": "map", "values": "bytes"}},
        {"name": "language", "type": {
          "type": "record", "name": "Language", "fields": [
            {"name": "code", "type": "string"},
            {"name": "name", "type": "string"}
          ]}},
        {"name": "attributes", "type": {"type": "map", "values": {"type": "array", "items": {
          "type": "record", "name": "Attribute", "fields": [
            {"name": "attribute_type", "type": "int"},
            {"name": "evidence", "type": "string"},
            {"name": "value", "type": "string"},
            {"name": "sentence_id", "type": "int"},
            {"name": "mention_id", "type": "int"}
          ]}}}}
      ]}]},
    {"name": "other_content", "type": {"type": "map", "values": "streamcorpus.ContentItem"}},
    {"name": "ratings", "type": {"type": "array", "items": {
      "type": "record", "name": "Rating", "fields": [
        {"name": "annotator_id", "type": "string"},
        {"name": "target_id", "type": "string"},
        {"name": "contains_mention", "type": "boolean"},
        {"name": "mentions", "type": {"type": "array", "items": "string"}},
        {"name": "relevance", "type": "int"}
      ]}}},
    {"name": "source_metadata", "type": {"type": "map", "values": "bytes"}},
    {"name": "external_ids", "type": {"type": "map", "values": {"type": "map", "values": "string"}}}
  ]
}`
