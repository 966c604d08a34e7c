// Package streamcorpus runs corpora of web documents through a configurable
// pipeline of stages and writes the results as chunks of serialized stream
// items.
//
// A pipeline has four tiers, and every stage is one of them.
//
// 1. Reader
//
//    A streamcorpus.Reader turns a task string (a chunk path, a storage key
//    range, an S3 key, a corpus directory) into a lazy sequence of
//    StreamItems. Exactly one reader is configured per pipeline.
//
// 2. Incremental transforms
//
//    Each IncrementalTransform sees one record at a time, in input order, and
//    returns the record (possibly modified) or nil to drop it. Transforms run
//    in the order they are configured and a dropped record is never seen by
//    a later transform. An error from a transform drops that record only.
//
// 3. Batch transforms
//
//    Surviving records are written to a temporary chunk file of at most
//    output_chunk_max_count records. Each BatchTransform takes the path of a
//    finished chunk and returns the path of its replacement.
//
// 4. Loaders
//
//    Loaders give finished chunks a permanent home: the local filesystem, a
//    key/value Storage backend, S3, Kafka. Batch and loader errors are fatal
//    for the task being processed.
//
// Stages are found by name in a Registry which the stage packages populate
// from their init functions. Tasks are distributed to workers by the
// taskqueue package, and the pipeline package assembles stages from a config
// file and drives them.
package streamcorpus
