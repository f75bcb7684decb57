// Package encoder writes drained packet records to archive file formats.
//
// Two formats are supported:
//
//   - Parquet: columnar, for Athena/Spark queries over session and stream
//   - Avro: row-based Object Container Files with an embedded schema
//
// Every row carries the session id, the stream name, numbering and loss
// information, the drain time, the Kafka coordinates the record was read
// from, and the complete packet bytes. The packet column can be fed back
// into packet.Decode, and its body into tracepoint.Parse.
//
// Use Factory when the format comes from configuration:
//
//	factory := encoder.NewFactory(packet.FormatParquet, "zstd")
//	enc, err := factory.CreateEncoder()
//	if err != nil {
//	    return err
//	}
//	stats, err := enc.Encode(path, records)
//
// # Compression
//
//	Parquet: "snappy" (default), "gzip", "lz4", "zstd", "uncompressed"
//	Avro:    "gzip" (default, wraps the file), "deflate", "snappy", "uncompressed"
//
// Encoders hold no per-call state and are safe for concurrent use.
package encoder
