// Package buffer batches packet records per Kafka partition until a
// rotation policy decides they should be archived.
//
//	manager := buffer.NewManager(maxSizeBytes, maxRecords)
//	buf := manager.GetOrCreate(packet.PartitionID{Topic: "trace-obj", Partition: 0})
//	if err := buf.Add(record); errors.Is(err, errors.ErrBufferFull) {
//	    archive(buf.Drain())
//	}
//
// All types are safe for concurrent use.
package buffer
