package storage

import "fmt"

// Partition is the single-byte prefix that separates logical key spaces.
// A physical key is partition ++ row ++ column, so no key can belong to two
// partitions.
type Partition byte

const (
	PartitionVertex           Partition = 0x01 // vertex rows: properties
	PartitionEdgeFixed        Partition = 0x02 // edges whose row is a fixed-length IID
	PartitionEdgeVariable     Partition = 0x03 // edges whose row is an attribute IID
	PartitionEdgeOptimisation Partition = 0x04 // role-player shortcut edges
	PartitionIndex            Partition = 0x05 // label, value and rule indexes
	PartitionStatistics       Partition = 0x06
	PartitionSequence         Partition = 0x07 // badger sequence leases
)

// Partitions lists every partition in key order.
var Partitions = []Partition{
	PartitionVertex,
	PartitionEdgeFixed,
	PartitionEdgeVariable,
	PartitionEdgeOptimisation,
	PartitionIndex,
	PartitionStatistics,
	PartitionSequence,
}

func (p Partition) String() string {
	switch p {
	case PartitionVertex:
		return "vertex"
	case PartitionEdgeFixed:
		return "edge-fixed"
	case PartitionEdgeVariable:
		return "edge-variable"
	case PartitionEdgeOptimisation:
		return "edge-optimisation"
	case PartitionIndex:
		return "index"
	case PartitionStatistics:
		return "statistics"
	case PartitionSequence:
		return "sequence"
	default:
		return fmt.Sprintf("partition(0x%02x)", byte(p))
	}
}

func (p Partition) valid() bool {
	return p >= PartitionVertex && p <= PartitionSequence
}

// physical builds partition ++ parts.
func (p Partition) physical(parts ...[]byte) []byte {
	n := 1
	for _, part := range parts {
		n += len(part)
	}
	key := make([]byte, 0, n)
	key = append(key, byte(p))
	for _, part := range parts {
		key = append(key, part...)
	}
	return key
}
