// Package utility defines generic utilitarian functions
package utility

// Fowler/Noll/Vo hash, folded to 32 bits

// StatementHash identifies a statement in the logs without printing it
func StatementHash(statement string) uint32 {
	var hash uint64 = 0xcbf29ce484222325
	for i := 0; i < len(statement); i++ {
		hash ^= uint64(statement[i])
		hash *= 0x100000001b3
	}
	return uint32(hash>>32) ^ uint32(hash)
}
