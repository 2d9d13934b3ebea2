package core

// MerkleRoot folds a list of hex hashes pairwise until one remains. An odd
// hash at the end of a level is paired with itself. An empty list hashes the
// empty string.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return HashString("")
	}
	level := make([]string, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashString(left+right))
		}
		level = next
	}
	return level[0]
}
