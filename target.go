package main

import "math/big"

// two256 is 2^256, the numerator for all target math. A hash h meets
// difficulty d iff int(h) <= 2^256 / d.
var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// targetForDifficulty returns 2^256 / difficulty. Difficulty zero yields
// the maximum target (everything passes); callers reject zero upstream.
func targetForDifficulty(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return new(big.Int).Set(two256)
	}
	return new(big.Int).Div(two256, new(big.Int).SetUint64(difficulty))
}

// hashMeetsDifficulty reports whether the 256-bit big-endian hash value
// satisfies the difficulty target. Equality counts: a hash exactly at the
// target is accepted.
func hashMeetsDifficulty(hashVal *big.Int, difficulty uint64) bool {
	return hashVal.Cmp(targetForDifficulty(difficulty)) <= 0
}
