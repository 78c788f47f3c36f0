package chunkuploader

// Chunk size bounds used when estimating a plan locally. The real plan is
// always server-determined; estimates are for dry runs only.
const (
	minEstimateChunkSize = 8 * 1024 * 1024
	maxEstimateChunkSize = 100 * 1024 * 1024
)

// EstimateOperations partitions [0, size) into the plan shape the server is
// likely to return for a file of the given size. The returned operations
// carry offsets and lengths only; URLs, methods and headers are assigned by
// the server at reservation time.
func EstimateOperations(size int64) []Operation {
	if size <= 0 {
		return nil
	}

	chunkSize := estimateChunkSize(size)
	var operations []Operation
	for offset := int64(0); offset < size; offset += chunkSize {
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		operations = append(operations, Operation{Offset: offset, Length: length})
	}
	return operations
}

func estimateChunkSize(size int64) int64 {
	cs := size
	if cs < minEstimateChunkSize {
		cs = minEstimateChunkSize
	}
	if cs > maxEstimateChunkSize {
		cs = maxEstimateChunkSize
	}
	return cs
}
